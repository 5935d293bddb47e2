package hnm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// SignalRole selects where a level's projected external signal is added.
type SignalRole string

const (
	// RoleNone means the level takes no external signal.
	RoleNone SignalRole = "none"
	// RoleAddToBU adds the signal to the memory input and the target base.
	RoleAddToBU SignalRole = "add_to_bu"
	// RoleAddToTD adds the signal to the memory input only.
	RoleAddToTD SignalRole = "add_to_td"
	// RoleAddToTarget adds the signal to the target after the target head.
	RoleAddToTarget SignalRole = "add_to_target"
)

// Valid reports whether r is a known role. The empty role is treated as none.
func (r SignalRole) Valid() bool {
	switch r {
	case "", RoleNone, RoleAddToBU, RoleAddToTD, RoleAddToTarget:
		return true
	}
	return false
}

func (r SignalRole) enabled() bool {
	return r != "" && r != RoleNone
}

// Defaults for NMMParams.
const (
	DefaultDepth        = 2
	DefaultExpansion    = 2.0
	DefaultActivation   = tensor.SiLU
	DefaultLearningRate = 1e-3
	DefaultBeta1        = 0.9
	DefaultBeta2        = 0.999
	DefaultMaxGradNorm  = 1.0
)

// NMMParams configures the neural memory module of one level.
type NMMParams struct {
	Depth              int               `koanf:"depth" yaml:"depth"`
	Expansion          float64           `koanf:"expansion" yaml:"expansion"`
	Activation         tensor.Activation `koanf:"activation" yaml:"activation"`
	LearningRate       float64           `koanf:"learning_rate" yaml:"learning_rate"`
	WeightDecay        float64           `koanf:"weight_decay" yaml:"weight_decay"`
	Beta1              float64           `koanf:"beta1" yaml:"beta1"`
	Beta2              float64           `koanf:"beta2" yaml:"beta2"`
	MaxGradNorm        float64           `koanf:"max_grad_norm" yaml:"max_grad_norm"`
	ExternalSignalRole SignalRole        `koanf:"external_signal_role" yaml:"external_signal_role"`
	Verbose            bool              `koanf:"verbose" yaml:"verbose"`
}

// DefaultNMMParams returns the parameters used when a level sets none.
func DefaultNMMParams() NMMParams {
	return NMMParams{
		Depth:              DefaultDepth,
		Expansion:          DefaultExpansion,
		Activation:         DefaultActivation,
		LearningRate:       DefaultLearningRate,
		Beta1:              DefaultBeta1,
		Beta2:              DefaultBeta2,
		MaxGradNorm:        DefaultMaxGradNorm,
		ExternalSignalRole: RoleNone,
	}
}

// ExternalInputConfig names the external signal a level consumes.
type ExternalInputConfig struct {
	SourceSignalName string `koanf:"source_signal_name" yaml:"source_signal_name"`
	Dim              int    `koanf:"dim" yaml:"dim"`
}

// LevelConfig describes one level of the hierarchy.
type LevelConfig struct {
	Name               string               `koanf:"name" yaml:"name"`
	Dim                int                  `koanf:"dim" yaml:"dim"`
	RawSensoryInputDim int                  `koanf:"raw_sensory_input_dim" yaml:"raw_sensory_input_dim,omitempty"`
	BUSources          []string             `koanf:"bu_sources" yaml:"bu_sources,omitempty"`
	TDSources          []string             `koanf:"td_sources" yaml:"td_sources,omitempty"`
	External           *ExternalInputConfig `koanf:"external" yaml:"external,omitempty"`
	NMM                NMMParams            `koanf:"nmm" yaml:"nmm"`
}

// IsLeaf reports whether the level reads raw sensory input.
func (c LevelConfig) IsLeaf() bool {
	return len(c.BUSources) == 0
}

// ValidateLevels checks a level set and returns the level names in the order
// they must be stepped. All problems are reported together.
func ValidateLevels(levels []LevelConfig) ([]string, error) {
	if len(levels) == 0 {
		return nil, ErrNoLevels
	}

	byName := make(map[string]int, len(levels))
	var errs []error
	for i, lc := range levels {
		if strings.TrimSpace(lc.Name) == "" {
			errs = append(errs, fmt.Errorf("level #%d: %w", i, ErrEmptyLevelName))
			continue
		}
		if _, dup := byName[lc.Name]; dup {
			errs = append(errs, fmt.Errorf("level %q: %w", lc.Name, ErrDuplicateLevel))
			continue
		}
		byName[lc.Name] = i
	}

	for _, lc := range levels {
		if lc.Name == "" {
			continue
		}
		for _, err := range validateLevel(lc, byName) {
			errs = append(errs, fmt.Errorf("level %q: %w", lc.Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return topoOrder(levels)
}

func validateLevel(lc LevelConfig, known map[string]int) []error {
	var errs []error
	if lc.Dim <= 0 {
		errs = append(errs, fmt.Errorf("dim %d: %w", lc.Dim, ErrInvalidDim))
	}
	if lc.IsLeaf() {
		if lc.RawSensoryInputDim <= 0 {
			errs = append(errs, ErrMissingSensoryDim)
		}
	} else if lc.RawSensoryInputDim != 0 {
		errs = append(errs, ErrUnexpectedSensory)
	}
	for _, src := range lc.BUSources {
		if _, ok := known[src]; !ok {
			errs = append(errs, fmt.Errorf("bu source %q: %w", src, ErrUnknownSource))
		}
	}
	for _, src := range lc.TDSources {
		if _, ok := known[src]; !ok {
			errs = append(errs, fmt.Errorf("td source %q: %w", src, ErrUnknownSource))
		}
	}

	p := lc.NMM
	if !p.ExternalSignalRole.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown external_signal_role %q", ErrInvalidParams, p.ExternalSignalRole))
	} else if (lc.External != nil) != p.ExternalSignalRole.enabled() {
		errs = append(errs, ErrExternalRole)
	}
	if lc.External != nil {
		if lc.External.SourceSignalName == "" {
			errs = append(errs, fmt.Errorf("%w: external source_signal_name is required", ErrInvalidParams))
		}
		if lc.External.Dim <= 0 {
			errs = append(errs, fmt.Errorf("external dim %d: %w", lc.External.Dim, ErrInvalidDim))
		}
	}

	if p.Depth < 0 {
		errs = append(errs, fmt.Errorf("%w: depth must be >= 0", ErrInvalidParams))
	}
	if p.Depth >= 2 && !(p.Expansion > 0) {
		errs = append(errs, fmt.Errorf("%w: expansion must be > 0", ErrInvalidParams))
	}
	if p.Activation != "" && !p.Activation.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown activation %q", ErrInvalidParams, p.Activation))
	}
	if !nonNegative(p.LearningRate) {
		errs = append(errs, fmt.Errorf("%w: learning_rate must be >= 0", ErrInvalidParams))
	}
	if !nonNegative(p.WeightDecay) {
		errs = append(errs, fmt.Errorf("%w: weight_decay must be >= 0", ErrInvalidParams))
	}
	if !nonNegative(p.MaxGradNorm) {
		errs = append(errs, fmt.Errorf("%w: max_grad_norm must be >= 0", ErrInvalidParams))
	}
	if !(p.Beta1 >= 0 && p.Beta1 < 1) || !(p.Beta2 >= 0 && p.Beta2 < 1) {
		errs = append(errs, fmt.Errorf("%w: beta1 and beta2 must be in [0, 1)", ErrInvalidParams))
	}
	return errs
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

// topoOrder orders levels so that every bottom-up source precedes its
// dependents. Ties keep declaration order, so an already ordered config is
// returned unchanged.
func topoOrder(levels []LevelConfig) ([]string, error) {
	indegree := make(map[string]int, len(levels))
	dependents := make(map[string][]string, len(levels))
	for _, lc := range levels {
		seen := make(map[string]bool, len(lc.BUSources))
		for _, src := range lc.BUSources {
			if seen[src] {
				continue
			}
			seen[src] = true
			indegree[lc.Name]++
			dependents[src] = append(dependents[src], lc.Name)
		}
	}

	order := make([]string, 0, len(levels))
	placed := make(map[string]bool, len(levels))
	for len(order) < len(levels) {
		progressed := false
		for _, lc := range levels {
			if placed[lc.Name] || indegree[lc.Name] > 0 {
				continue
			}
			placed[lc.Name] = true
			order = append(order, lc.Name)
			for _, dep := range dependents[lc.Name] {
				indegree[dep]--
			}
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, lc := range levels {
				if !placed[lc.Name] {
					stuck = append(stuck, lc.Name)
				}
			}
			return nil, fmt.Errorf("%w: levels %s", ErrCycle, strings.Join(stuck, ", "))
		}
	}
	return order, nil
}
