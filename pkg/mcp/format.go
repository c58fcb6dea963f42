package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/llmcache/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// shortKey abbreviates a 64-character cache key for table output.
func shortKey(k string) string {
	if len(k) > 20 {
		return k[:8] + "..." + k[len(k)-8:]
	}
	return k
}

func formatCacheStats(s models.CacheStats) string {
	var b strings.Builder
	if !s.Enabled {
		b.WriteString("Cache is disabled.\n")
	}
	fmt.Fprintf(&b, "Entries:     %d (%d pinned)\n", s.TotalEntries, s.PinnedEntries)
	fmt.Fprintf(&b, "Size:        %s", humanize.Bytes(uint64(s.TotalSizeBytes)))
	if s.MaxSizeBytes > 0 {
		fmt.Fprintf(&b, " of %s", humanize.Bytes(uint64(s.MaxSizeBytes)))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Hits:        %d\n", s.TotalHits)
	fmt.Fprintf(&b, "Misses:      %d\n", s.TotalMisses)
	fmt.Fprintf(&b, "Hit Rate:    %.1f%%\n", s.HitRate*100)
	fmt.Fprintf(&b, "Stored Hits: %d\n", s.IndexedHits)
	if !s.OldestEntry.IsZero() {
		fmt.Fprintf(&b, "Oldest:      %s (%s)\n", s.OldestEntry.Format(timeLayout), humanize.Time(s.OldestEntry))
		fmt.Fprintf(&b, "Newest:      %s (%s)\n", s.NewestEntry.Format(timeLayout), humanize.Time(s.NewestEntry))
	}
	return b.String()
}

func formatSimilar(matches []models.SimilarMatch, threshold float64) string {
	if len(matches) == 0 {
		return fmt.Sprintf("No similar entries at threshold %.2f.", threshold)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-64s %10s %6s %-19s %s\n", "Key", "Confidence", "Hits", "Created", "Family")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, m := range matches {
		family := ""
		if m.SameFamily {
			family = "same prompt"
		}
		fmt.Fprintf(&b, "%-64s %10.3f %6d %-19s %s\n",
			m.Key, m.Confidence, m.HitCount, m.CreatedAt.Format(timeLayout), family)
	}
	return b.String()
}

func formatStaleResult(ev models.StalenessEvent, records []models.AuditRecord) string {
	var target []string
	if ev.ScopeID != "" {
		target = append(target, "scope "+ev.ScopeID)
	}
	if ev.DependencyTag != "" {
		target = append(target, "tag "+ev.DependencyTag)
	}
	if len(records) == 0 {
		return fmt.Sprintf("No cached entries for %s.", strings.Join(target, " or "))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Invalidated %d entries for %s:\n", len(records), strings.Join(target, " or "))
	for _, r := range records {
		fmt.Fprintf(&b, "  %s\n", r.InvalidatedKey)
	}
	return b.String()
}

func formatAuditRecords(records []models.AuditRecord) string {
	if len(records) == 0 {
		return "No audit records found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-20s %-11s %-16s %-20s %s\n",
		"Time", "Key", "Action", "Source", "Scope/Tag", "Reason")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, r := range records {
		target := r.ScopeID
		if r.DependencyTag != "" {
			if target != "" {
				target += "/"
			}
			target += r.DependencyTag
		}
		fmt.Fprintf(&b, "%-19s %-20s %-11s %-16s %-20s %s\n",
			r.Timestamp.Format(timeLayout), shortKey(r.InvalidatedKey),
			r.Action, r.SourceComponent, target, r.Reason)
	}
	return b.String()
}
