package delayindex

import "tidbyt.dev/rtfeed/model"

// Maps a stop id to ids it is also known by, typically its parent
// station.
type Resolver interface {
	Aliases(stopID string) []string
}

// stop_id -> parent_station, as read from stops.txt.
type StopAliases map[string]string

func (a StopAliases) Aliases(stopID string) []string {
	if parent, found := a[stopID]; found {
		return []string{parent}
	}
	return nil
}

// Every id a stop may be indexed under: the id itself, its platform
// stripped prefixes, and the variants of any alias the resolver
// knows of. Duplicates are removed and order is most specific first.
func Variants(stopID string, r Resolver) []string {
	variants := model.StopVariants(stopID)
	if r == nil || len(variants) == 0 {
		return variants
	}

	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		seen[v] = true
	}

	// Not transitive
	for _, v := range model.StopVariants(stopID) {
		for _, alias := range r.Aliases(v) {
			for _, av := range model.StopVariants(alias) {
				if !seen[av] {
					seen[av] = true
					variants = append(variants, av)
				}
			}
		}
	}

	return variants
}
