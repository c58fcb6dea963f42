package models

import "time"

// AuditAction classifies why a cache entry left the cache.
type AuditAction string

const (
	AuditStale       AuditAction = "stale"
	AuditEvicted     AuditAction = "evicted"
	AuditInvalidated AuditAction = "invalidated"
)

// AuditRecord traces a single removal of a cache entry.
type AuditRecord struct {
	ID              string      `json:"id"`
	InvalidatedKey  string      `json:"invalidated_key"`
	Action          AuditAction `json:"action"`
	Reason          string      `json:"reason"`
	SourceComponent string      `json:"source_component"`
	ScopeID         string      `json:"scope_id,omitempty"`
	DependencyTag   string      `json:"dependency_tag,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying audit records.
type AuditQueryOpts struct {
	Key             string
	SourceComponent string
	Action          AuditAction
	Since           time.Time
	Limit           int
}

// AuditStat holds aggregate audit counts for a source/action/day combination.
type AuditStat struct {
	SourceComponent string
	Action          AuditAction
	Day             string
	Count           int
}
