package classifier

import (
	"fmt"
	"sort"

	"github.com/talkincode/toughqos/internal/qos/stats"
	"github.com/talkincode/toughqos/internal/qos/wire"
)

// Reference thresholds, in packets per polling cycle.
const (
	DefaultActivationThreshold = 200
	DefaultIndividualThreshold = 600
)

// SliceID identifies a shaping slice. It lives in the DSCP code space.
type SliceID uint8

// TrafficRule rewrites the ToS of packets matching Match to Rewrite.
type TrafficRule struct {
	Match   wire.TrafficRuleMatch
	Rewrite uint8
}

// Decision is the classifier output for one cycle.
type Decision struct {
	Slices []SliceID
	Rules  []TrafficRule
	// Assignments maps every promoted code to its slice.
	Assignments map[uint8]SliceID
}

// Classifier promotes busy DSCP codes into group or individual slices.
//
// A code with at most activation packets stays in best effort and gets no rule.
// Above activation it joins its group slice, above individual it gets a slice of
// its own.
type Classifier struct {
	activation uint32
	individual uint32
}

func New(activation, individual uint32) (*Classifier, error) {
	if individual <= activation {
		return nil, fmt.Errorf("individual threshold %d must be above activation threshold %d", individual, activation)
	}
	return &Classifier{activation: activation, individual: individual}, nil
}

func (c *Classifier) Thresholds() (activation, individual uint32) {
	return c.activation, c.individual
}

// Classify maps aggregated counters to target slices and candidate rules.
// Rules are ordered by matched code.
func (c *Classifier) Classify(counters map[uint8]stats.AggregateCounter) Decision {
	codes := make([]uint8, 0, len(counters))
	for code := range counters {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	d := Decision{Assignments: make(map[uint8]SliceID)}
	seen := make(map[SliceID]struct{})
	for _, code := range codes {
		packets := counters[code].Packets
		if packets <= uint64(c.activation) {
			continue
		}

		var slice SliceID
		var tos uint8
		if packets > uint64(c.individual) {
			slice = SliceID(code)
			tos = ToS(code)
		} else {
			group := Group(code)
			slice = SliceID(group)
			tos = ToS(group)
		}

		d.Assignments[code] = slice
		d.Rules = append(d.Rules, TrafficRule{Match: wire.MatchDscp(code), Rewrite: tos})
		if _, ok := seen[slice]; !ok {
			seen[slice] = struct{}{}
			d.Slices = append(d.Slices, slice)
		}
	}
	sort.Slice(d.Slices, func(i, j int) bool { return d.Slices[i] < d.Slices[j] })
	return d
}
