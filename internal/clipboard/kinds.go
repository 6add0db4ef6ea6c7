package clipboard

import (
	"sort"

	"github.com/ilnaes/ptseq/internal/timeline"
)

// KindSet selects the event kinds a copy, paste or clear works on.
type KindSet map[timeline.Kind]struct{}

func NewKindSet(kinds ...timeline.Kind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// DefaultCopyKinds is every per-unit parameter except the voice number.
func DefaultCopyKinds() KindSet {
	return NewKindSet(
		timeline.KindOn,
		timeline.KindKey,
		timeline.KindVelocity,
		timeline.KindPanVolume,
		timeline.KindPanTime,
		timeline.KindVolume,
		timeline.KindPortament,
		timeline.KindGroupNo,
		timeline.KindTuning,
	)
}

func (s KindSet) Has(k timeline.Kind) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the kinds in ascending order so generated batches are
// deterministic.
func (s KindSet) Sorted() []timeline.Kind {
	kinds := make([]timeline.Kind, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (s KindSet) clone() KindSet {
	c := make(KindSet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

func sortedUnits(units []int) []int {
	seen := make(map[int]bool, len(units))
	res := make([]int, 0, len(units))
	for _, u := range units {
		if !seen[u] {
			seen[u] = true
			res = append(res, u)
		}
	}
	sort.Ints(res)
	return res
}
