package event

import (
	"slices"
	"sort"

	nostr "github.com/nbd-wtf/go-nostr"
)

// MatchFilter reports whether evt satisfies filter. Limit and Search are
// relay-side concerns and are not evaluated here.
func MatchFilter(evt *nostr.Event, filter nostr.Filter) bool {
	if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, evt.ID) {
		return false
	}
	if len(filter.Authors) > 0 && !slices.Contains(filter.Authors, evt.PubKey) {
		return false
	}
	if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, evt.Kind) {
		return false
	}
	if filter.Since != nil && evt.CreatedAt < *filter.Since {
		return false
	}
	if filter.Until != nil && evt.CreatedAt > *filter.Until {
		return false
	}

	for tagName, tagValues := range filter.Tags {
		if len(tagValues) == 0 {
			continue
		}
		found := false
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == tagName && slices.Contains(tagValues, tag[1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchFilters is the disjunction of MatchFilter over filters.
func MatchFilters(evt *nostr.Event, filters []nostr.Filter) bool {
	for _, f := range filters {
		if MatchFilter(evt, f) {
			return true
		}
	}
	return false
}

// SortDescending orders events newest first. Ties break on id so the
// order is deterministic across runs.
func SortDescending(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
