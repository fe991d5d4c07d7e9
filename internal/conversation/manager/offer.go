// SPDX-License-Identifier: MIT

package manager

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/radscheduler/core/internal/ports"
)

// offeredLocation is one numbered entry in a CHOOSING_LOCATION offer,
// snapshotted onto the session so a later numeric reply resolves against
// exactly what was sent rather than a fresh, possibly different query.
type offeredLocation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func marshalOfferedLocations(locs []offeredLocation) string {
	b, err := json.Marshal(locs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalOfferedLocations(raw string) []offeredLocation {
	if raw == "" {
		return nil
	}
	var out []offeredLocation
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func marshalOfferedSlots(slots []ports.Slot) string {
	b, err := json.Marshal(slots)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalOfferedSlots(raw string) []ports.Slot {
	if raw == "" {
		return nil
	}
	var out []ports.Slot
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// parseNumericChoice extracts a 1-based numeric selection from a reply
// like "3" or "3." or " 3 ". Anything else, including "0" or a second
// number tacked on, is not a choice.
func parseNumericChoice(body string, max int) (int, bool) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "."))
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 1 || n > max {
		return 0, false
	}
	return n, true
}
