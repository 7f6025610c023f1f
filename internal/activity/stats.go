package activity

import (
	"sort"
	"time"

	"snapname/internal/store"
)

// Stats aggregates a set of activity entries.
type Stats struct {
	Created   int            `json:"suggestions_created"`
	Approved  int            `json:"approved"`
	Rejected  int            `json:"rejected"`
	Executed  int            `json:"executed"`
	Failed    int            `json:"failed_renames"`
	Rollbacks int            `json:"rollbacks"`
	Errors    int            `json:"errors"`
	ByFolder  map[string]int `json:"by_folder"` // successful renames per folder id (top N)
	First     time.Time      `json:"first"`
	Last      time.Time      `json:"last"`
}

// Aggregate computes Stats over entries. topN limits ByFolder; 0 keeps all.
func Aggregate(entries []store.ActivityEntry, topN int) *Stats {
	stats := &Stats{}
	perFolder := make(map[string]int)

	for _, e := range entries {
		if stats.First.IsZero() || e.CreatedAt.Before(stats.First) {
			stats.First = e.CreatedAt
		}
		if e.CreatedAt.After(stats.Last) {
			stats.Last = e.CreatedAt
		}

		switch e.Action {
		case store.ActionSuggestionCreated:
			stats.Created++
		case store.ActionApproved:
			stats.Approved++
		case store.ActionRejected:
			stats.Rejected++
		case store.ActionExecuted:
			if e.Status == store.EntryFailure {
				stats.Failed++
				continue
			}
			stats.Executed++
			if e.FolderID != "" {
				perFolder[e.FolderID]++
			}
		case store.ActionRollback:
			stats.Rollbacks++
		case store.ActionError:
			stats.Errors++
		}
	}

	stats.ByFolder = filterTopN(perFolder, topN)
	return stats
}

// filterTopN returns the n largest entries, ties broken by key.
func filterTopN(counts map[string]int, n int) map[string]int {
	if n <= 0 || len(counts) <= n {
		result := make(map[string]int, len(counts))
		for k, v := range counts {
			result[k] = v
		}
		return result
	}

	type kv struct {
		key   string
		value int
	}
	sorted := make([]kv, 0, len(counts))
	for k, v := range counts {
		sorted = append(sorted, kv{k, v})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].value != sorted[j].value {
			return sorted[i].value > sorted[j].value
		}
		return sorted[i].key < sorted[j].key
	})

	result := make(map[string]int, n)
	for _, e := range sorted[:n] {
		result[e.key] = e.value
	}
	return result
}
