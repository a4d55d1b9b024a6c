package model

import "strings"

const parentPrefix = "Parent"

// Returns every id a stop may be referenced by, most specific first.
//
// Platform qualified ids ("8501037:0:3") are often published root
// only in realtime feeds ("8501037:0"), or the other way around, so
// each trailing ":"-segment is stripped in turn. Station ids written
// as "Parent8501037" also yield the bare "8501037".
func StopVariants(stopID string) []string {
	stopID = strings.TrimSpace(stopID)
	if stopID == "" {
		return nil
	}

	variants := []string{stopID}
	id := stopID
	for {
		i := strings.LastIndexByte(id, ':')
		if i <= 0 {
			break
		}
		id = id[:i]
		variants = append(variants, id)
	}

	if strings.HasPrefix(id, parentPrefix) && len(id) > len(parentPrefix) {
		variants = append(variants, id[len(parentPrefix):])
	}

	return variants
}

// The least specific variant of a stop id. Used as an indexed column
// so that scoped queries can fetch every platform of a station.
func StopRoot(stopID string) string {
	variants := StopVariants(stopID)
	if len(variants) == 0 {
		return ""
	}
	return variants[len(variants)-1]
}
