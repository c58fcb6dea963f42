package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/llmcache/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

func formatStats(s models.CacheStats) string {
	var b strings.Builder
	state := "enabled"
	if !s.Enabled {
		state = "disabled"
	}
	fmt.Fprintf(&b, "Cache:      %s\n", state)
	fmt.Fprintf(&b, "Entries:    %s (%s pinned)\n", humanize.Comma(s.TotalEntries), humanize.Comma(s.PinnedEntries))
	used := humanize.Bytes(uint64(s.TotalSizeBytes))
	if s.MaxSizeBytes > 0 {
		pct := float64(s.TotalSizeBytes) / float64(s.MaxSizeBytes) * 100
		fmt.Fprintf(&b, "Size:       %s / %s (%.1f%%)\n", used, humanize.Bytes(uint64(s.MaxSizeBytes)), pct)
	} else {
		fmt.Fprintf(&b, "Size:       %s\n", used)
	}
	fmt.Fprintf(&b, "Total Hits: %s\n", humanize.Comma(s.IndexedHits))
	if !s.OldestEntry.IsZero() {
		fmt.Fprintf(&b, "Oldest:     %s\n", humanize.Time(s.OldestEntry))
		fmt.Fprintf(&b, "Newest:     %s\n", humanize.Time(s.NewestEntry))
	}
	return b.String()
}

func formatSimilar(matches []models.SimilarMatch) string {
	if len(matches) == 0 {
		return "No similar entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-64s %10s %8s %-16s\n", "KEY", "CONFIDENCE", "HITS", "CREATED")
	b.WriteString(strings.Repeat("-", 101) + "\n")
	for _, m := range matches {
		conf := fmt.Sprintf("%.3f", m.Confidence)
		if m.SameFamily {
			conf = "same"
		}
		fmt.Fprintf(&b, "%-64s %10s %8d %-16s\n", m.Key, conf, m.HitCount, humanize.Time(m.CreatedAt))
	}
	return b.String()
}

func formatAuditRecords(records []models.AuditRecord) string {
	if len(records) == 0 {
		return "No audit records found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-64s %-11s %-16s %-20s %-20s %s\n",
		"TIME", "KEY", "ACTION", "SOURCE", "SCOPE", "TAG", "REASON")
	b.WriteString(strings.Repeat("-", 170) + "\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%-19s %-64s %-11s %-16s %-20s %-20s %s\n",
			r.Timestamp.Local().Format(timeLayout), r.InvalidatedKey, r.Action,
			r.SourceComponent, r.ScopeID, r.DependencyTag, r.Reason)
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %-12s %8s\n", "SOURCE", "ACTION", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 55) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-12s %-12s %8d\n", s.SourceComponent, s.Action, s.Day, s.Count)
	}
	return b.String()
}
