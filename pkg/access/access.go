// Package access implements the weighted threshold access structure.
//
// Each factor kind carries an integer weight. A set of accepted kinds
// satisfies the policy once the weights sum to at least the threshold and
// every required kind is present. A kind whose weight alone reaches the
// threshold is an alternate full path and satisfies the policy by itself,
// regardless of required kinds.
package access

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/forest6511/keystone/pkg/factor"
)

// MaxPolicyKinds bounds subset enumeration.
const MaxPolicyKinds = 20

// Sentinel errors
var (
	ErrInvalidPolicy = errors.New("access: invalid policy")
	ErrTooManyKinds  = errors.New("access: too many factor kinds in policy")
)

// Policy is a weighted threshold access structure. Policies are data:
// changing which factors suffice never requires code changes.
type Policy struct {
	Weights   map[factor.Kind]int `json:"weights" yaml:"weights"`
	Threshold int                 `json:"threshold" yaml:"threshold"`
	Required  []factor.Kind       `json:"required,omitempty" yaml:"required,omitempty"`
}

// Result is the outcome of Evaluate.
type Result struct {
	Satisfied       bool          `json:"satisfied"`
	CurrentWeight   int           `json:"current_weight"`
	Remaining       int           `json:"remaining"`
	MissingRequired []factor.Kind `json:"missing_required,omitempty"`
}

// Validate checks that the policy is well formed and satisfiable.
func (p Policy) Validate() error {
	if p.Threshold < 1 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidPolicy)
	}
	if len(p.Weights) == 0 {
		return fmt.Errorf("%w: no factor weights", ErrInvalidPolicy)
	}
	if len(p.Weights) > MaxPolicyKinds {
		return fmt.Errorf("%w: %d kinds exceeds maximum of %d", ErrTooManyKinds, len(p.Weights), MaxPolicyKinds)
	}

	total := 0
	for k, w := range p.Weights {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown factor kind %q", ErrInvalidPolicy, k)
		}
		if w < 1 {
			return fmt.Errorf("%w: weight of %s must be positive", ErrInvalidPolicy, k)
		}
		total += w
	}
	if total < p.Threshold {
		return fmt.Errorf("%w: total weight %d below threshold %d", ErrInvalidPolicy, total, p.Threshold)
	}

	for _, k := range p.Required {
		if _, ok := p.Weights[k]; !ok {
			return fmt.Errorf("%w: required kind %s has no weight", ErrInvalidPolicy, k)
		}
	}
	return nil
}

// Kinds returns the policy's kinds in canonical order.
func (p Policy) Kinds() []factor.Kind {
	kinds := make([]factor.Kind, 0, len(p.Weights))
	for k := range p.Weights {
		kinds = append(kinds, k)
	}
	factor.Sort(kinds)
	return kinds
}

// IsFullPath reports whether k alone reaches the threshold.
func (p Policy) IsFullPath(k factor.Kind) bool {
	w, ok := p.Weights[k]
	return ok && w >= p.Threshold
}

// Evaluate sums the weights of the accepted kinds. Repeated kinds count
// once and kinds absent from the policy contribute nothing, so the result
// depends only on the set of accepted kinds.
func (p Policy) Evaluate(accepted ...factor.Kind) Result {
	set := make(map[factor.Kind]bool, len(accepted))
	for _, k := range accepted {
		set[k] = true
	}

	var r Result
	fullPath := false
	for k := range set {
		w, ok := p.Weights[k]
		if !ok {
			continue
		}
		r.CurrentWeight += w
		if w >= p.Threshold {
			fullPath = true
		}
	}

	for _, k := range p.Required {
		if !set[k] {
			r.MissingRequired = append(r.MissingRequired, k)
		}
	}

	r.Satisfied = fullPath || (r.CurrentWeight >= p.Threshold && len(r.MissingRequired) == 0)
	if !r.Satisfied {
		r.Remaining = p.Threshold - r.CurrentWeight
		if r.Remaining < 1 {
			// weight is there but a required kind is not
			r.Remaining = 0
		}
	}
	return r
}

// MinimalQualifyingSubsets returns every set of kinds that satisfies the
// policy while no proper subset does. Sets are in canonical kind order,
// sorted by size and then lexically.
func (p Policy) MinimalQualifyingSubsets() ([][]factor.Kind, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	kinds := p.Kinds()
	n := len(kinds)
	var out [][]factor.Kind

	for mask := uint32(1); mask < 1<<n; mask++ {
		subset := pick(kinds, mask)
		if !p.Evaluate(subset...).Satisfied {
			continue
		}
		minimal := true
		for i := 0; i < n && minimal; i++ {
			bit := uint32(1) << i
			if mask&bit == 0 {
				continue
			}
			if p.Evaluate(pick(kinds, mask&^bit)...).Satisfied {
				minimal = false
			}
		}
		if minimal {
			out = append(out, subset)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return less(out[i], out[j])
	})
	return out, nil
}

func pick(kinds []factor.Kind, mask uint32) []factor.Kind {
	out := make([]factor.Kind, 0, bits.OnesCount32(mask))
	for i, k := range kinds {
		if mask&(1<<i) != 0 {
			out = append(out, k)
		}
	}
	return out
}

func less(a, b []factor.Kind) bool {
	for i := range a {
		if a[i] != b[i] {
			x := []factor.Kind{a[i], b[i]}
			factor.Sort(x)
			return x[0] == a[i]
		}
	}
	return false
}

// Contains reports whether every kind of subset is in accepted.
func Contains(accepted map[factor.Kind][]byte, subset []factor.Kind) bool {
	for _, k := range subset {
		if _, ok := accepted[k]; !ok {
			return false
		}
	}
	return true
}
