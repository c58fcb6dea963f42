package models

import "time"

// Known producers of staleness events.
const (
	SourceSelectorTracker = "selector_tracker"
	SourceBrowserPool     = "browser_pool"
	SourceRateLimiter     = "rate_limiter"
)

// StalenessEvent tells the cache that results depending on some page state
// are no longer trustworthy. At least one of ScopeID or DependencyTag must be set.
type StalenessEvent struct {
	ScopeID         string    `json:"scope_id,omitempty"`
	DependencyTag   string    `json:"dependency_tag,omitempty"`
	Reason          string    `json:"reason"`
	SourceComponent string    `json:"source_component"`
	Timestamp       time.Time `json:"timestamp"`
}

// Empty reports whether the event selects nothing.
func (e StalenessEvent) Empty() bool {
	return e.ScopeID == "" && e.DependencyTag == ""
}
