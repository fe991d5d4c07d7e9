// SPDX-License-Identifier: MIT

package equipment

// EligibleLocations returns the ids of locations, from candidateLocationIDs,
// that are active and have at least one active equipment row meeting req.
// The result is the intersection of the capability filter and the
// candidate set, in the order locations were given — mirroring the
// teacher's decision engine, which filters a known candidate set down to
// what actually qualifies rather than searching the whole catalog.
func EligibleLocations(locations []Location, rows []Equipment, candidateLocationIDs []string, req Requirement) []string {
	activeByID := make(map[string]bool, len(locations))
	for _, loc := range locations {
		if loc.Active {
			activeByID[loc.ID] = true
		}
	}

	qualifying := make(map[string]bool)
	for _, row := range rows {
		if row.Meets(req) && activeByID[row.LocationID] {
			qualifying[row.LocationID] = true
		}
	}

	out := make([]string, 0, len(candidateLocationIDs))
	for _, id := range candidateLocationIDs {
		if qualifying[id] {
			out = append(out, id)
		}
	}
	return out
}
