package models

import "time"

// CacheEntry is the Index row describing one cached LLM response.
// The payload itself lives in the blob store under Key.
type CacheEntry struct {
	Key            string    `json:"key"`
	PromptHash     string    `json:"prompt_hash"`
	Prompt         string    `json:"prompt,omitempty"` // normalized prompt text
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	ExpiresAt      time.Time `json:"expires_at"`
	HitCount       int64     `json:"hit_count"`
	SizeBytes      int64     `json:"size_bytes"`
	ScopeID        string    `json:"scope_id,omitempty"`
	DependencyTags []string  `json:"dependency_tags,omitempty"`
	Pinned         bool      `json:"pinned"`
}

// IsExpired reports whether the entry is logically absent at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// HasTag reports whether tag is one of the entry's dependency tags.
func (e *CacheEntry) HasTag(tag string) bool {
	for _, t := range e.DependencyTags {
		if t == tag {
			return true
		}
	}
	return false
}

// CacheStats reports cache contents and performance.
type CacheStats struct {
	TotalEntries   int64     `json:"total_entries"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	PinnedEntries  int64     `json:"pinned_entries"`
	TotalHits      int64     `json:"total_hits"`
	TotalMisses    int64     `json:"total_misses"`
	HitRate        float64   `json:"hit_rate"`
	IndexedHits    int64     `json:"indexed_hits"`
	OldestEntry    time.Time `json:"oldest_entry,omitempty"`
	NewestEntry    time.Time `json:"newest_entry,omitempty"`
	MaxSizeBytes   int64     `json:"max_size_bytes"`
	Enabled        bool      `json:"enabled"`
}

// SimilarMatch is one approximate-lookup result.
type SimilarMatch struct {
	Key        string    `json:"key"`
	PromptHash string    `json:"prompt_hash"`
	Confidence float64   `json:"confidence"`
	HitCount   int64     `json:"hit_count"`
	CreatedAt  time.Time `json:"created_at"`
	SameFamily bool      `json:"same_family"` // identical prompt, different context
}
