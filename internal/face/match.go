package face

import (
	"context"
	"fmt"
	"sort"
)

// Match is a confident identification of one member.
type Match struct {
	RegNo    int
	Name     string
	Distance float64
}

// Matcher identifies members by descriptor similarity. A probe is accepted
// only when its best candidate is both under the acceptance threshold and
// clearly separated from the runner-up; an ambiguous result returns no match
// rather than a guess.
type Matcher struct {
	store     Store
	settings  Settings
	threshold float64
	margin    float64
}

// NewMatcher creates a matcher with the given acceptance threshold and
// ambiguity margin.
func NewMatcher(store Store, settings Settings, threshold, margin float64) *Matcher {
	return &Matcher{store: store, settings: settings, threshold: threshold, margin: margin}
}

// Match scans the tenant's enrolled descriptors in the given slot and
// returns the best confident candidate, or nil when nothing matches. A nil
// result is the answer for disabled tenants, invalid probes, empty
// galleries, everything over threshold, and ambiguous top-two candidates.
func (m *Matcher) Match(ctx context.Context, tenantID string, backend Backend, probe Descriptor) (*Match, error) {
	enabled, err := m.settings.FaceEnabled(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant settings: %w", err)
	}
	if !enabled {
		return nil, nil
	}
	if !probe.Valid() {
		return nil, nil
	}

	enrolled, err := m.store.Enrolled(ctx, tenantID, backend)
	if err != nil {
		return nil, fmt.Errorf("load enrolled descriptors: %w", err)
	}

	var candidates []Match
	for _, e := range enrolled {
		if !e.Vector.Valid() {
			continue
		}
		if d := Distance(probe, e.Vector); d < m.threshold {
			candidates = append(candidates, Match{RegNo: e.RegNo, Name: e.Name, Distance: d})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if len(candidates) > 1 && candidates[1].Distance-candidates[0].Distance < m.margin {
		// Two members this close means a confident-looking wrong answer is
		// likely. Trade recall for precision.
		return nil, nil
	}
	best := candidates[0]
	return &best, nil
}
