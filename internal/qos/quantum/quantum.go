package quantum

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/talkincode/toughqos/internal/qos/classifier"
)

// DefaultTotalQuantum is the budget shared by all active slices.
const DefaultTotalQuantum = 10000.0

// ErrMissingUnit means a slice belongs to a group without a configured priority unit.
var ErrMissingUnit = errors.New("quantum: no priority unit for slice group")

// DefaultUnits is the reference priority unit per slice group.
func DefaultUnits() map[uint8]float64 {
	return map[uint8]float64{
		classifier.GroupBackground:     0.5,
		classifier.GroupBestEffort:     1,
		classifier.GroupBroadcastVideo: 1.5,
		classifier.GroupStreaming:      2,
		classifier.GroupExpedited:      3,
		classifier.GroupNetworkControl: 4,
	}
}

// Upsert is a slice that must be created or have its quantum changed.
type Upsert struct {
	Slice   classifier.SliceID
	Quantum float64
	Created bool
}

// Allocator shares a fixed quantum budget between slices in proportion to the
// priority unit of each slice group.
type Allocator struct {
	total float64
	units map[uint8]float64
	group func(uint8) uint8
}

// New copies units. group maps a slice id to its group; nil means classifier.Group.
func New(total float64, units map[uint8]float64, group func(uint8) uint8) (*Allocator, error) {
	if total <= 0 {
		return nil, errors.Errorf("quantum: total must be positive, got %v", total)
	}
	cp := make(map[uint8]float64, len(units))
	for g, u := range units {
		if u <= 0 {
			return nil, errors.Errorf("quantum: unit for group %d must be positive, got %v", g, u)
		}
		cp[g] = u
	}
	if group == nil {
		group = classifier.Group
	}
	return &Allocator{total: total, units: cp, group: group}, nil
}

func (a *Allocator) Unit(slice classifier.SliceID) (float64, error) {
	g := a.group(uint8(slice))
	u, ok := a.units[g]
	if !ok {
		return 0, errors.Wrapf(ErrMissingUnit, "slice %d group %d", slice, g)
	}
	return u, nil
}

// Shares computes the quantum of every slice in the set.
func (a *Allocator) Shares(slices []classifier.SliceID) (map[classifier.SliceID]float64, error) {
	set := make(map[classifier.SliceID]float64, len(slices))
	var sum float64
	for _, s := range slices {
		if _, dup := set[s]; dup {
			continue
		}
		u, err := a.Unit(s)
		if err != nil {
			return nil, err
		}
		set[s] = u
		sum += u
	}
	unitQuantum := a.total / sum
	for s, u := range set {
		set[s] = u * unitQuantum
	}
	return set, nil
}

// Allocate recomputes the shares of target ∪ existing and returns the slices whose
// stored quantum differs from the computed one, plus the new ones, ordered by id.
// Equal quanta are compared exactly.
func (a *Allocator) Allocate(target []classifier.SliceID, existing map[classifier.SliceID]float64) ([]Upsert, error) {
	all := make([]classifier.SliceID, 0, len(target)+len(existing))
	all = append(all, target...)
	for s := range existing {
		all = append(all, s)
	}
	if len(all) == 0 {
		return nil, nil
	}

	shares, err := a.Shares(all)
	if err != nil {
		return nil, err
	}

	var out []Upsert
	for s, q := range shares {
		current, ok := existing[s]
		if ok && current == q {
			continue
		}
		out = append(out, Upsert{Slice: s, Quantum: q, Created: !ok})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slice < out[j].Slice })
	return out, nil
}
