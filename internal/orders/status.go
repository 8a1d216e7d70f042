package orders

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownStatus = errors.New("unknown order status")

// StatusMap translates venue status strings into tracker states.
type StatusMap struct {
	table map[string]State
}

// NewStatusMap validates that every required venue status is mapped to a known state.
func NewStatusMap(table map[string]State, required ...string) (StatusMap, error) {
	normalized := make(map[string]State, len(table))
	for status, state := range table {
		key := normalizeStatus(status)
		if key == "" {
			return StatusMap{}, errors.New("empty venue status in table")
		}
		if !state.valid() {
			return StatusMap{}, fmt.Errorf("venue status %q maps to invalid state %d", status, state)
		}
		normalized[key] = state
	}
	var missing []string
	for _, status := range required {
		if _, ok := normalized[normalizeStatus(status)]; !ok {
			missing = append(missing, status)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return StatusMap{}, fmt.Errorf("unmapped venue statuses: %s", strings.Join(missing, ", "))
	}
	return StatusMap{table: normalized}, nil
}

func (m StatusMap) Lookup(status string) (State, error) {
	state, ok := m.table[normalizeStatus(status)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	return state, nil
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
