package loop

import (
	"encoding/json"
	"math"
	"time"
)

// Number is a float64 that renders NaN and infinities as JSON null.
type Number float64

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// LevelSnapshot holds one level's diagnostics from the last tick.
type LevelSnapshot struct {
	Anomaly      Number `json:"anomaly"`
	WeightChange Number `json:"weight_change"`
	GradNorm     Number `json:"grad_norm"`
	BUNorm       Number `json:"bu_norm"`
	TDNorm       Number `json:"td_norm"`
	ExtNorm      Number `json:"ext_norm"`
	Skipped      bool   `json:"update_skipped"`
}

// Snapshot is a copy of the loop's view after the last completed tick.
type Snapshot struct {
	RunID         string                   `json:"run_id"`
	// Tick counts completed ticks.
	Tick          uint64                   `json:"tick"`
	Timestamp     time.Time                `json:"timestamp"`
	Order         []string                 `json:"order"`
	ResonantLevel string                   `json:"resonant_level"`
	Resonant      []Number                 `json:"resonant"`
	Levels        map[string]LevelSnapshot `json:"levels"`
	LiveTensors   int                      `json:"live_tensors"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Order = append([]string(nil), s.Order...)
	out.Resonant = append([]Number(nil), s.Resonant...)
	out.Levels = make(map[string]LevelSnapshot, len(s.Levels))
	for k, v := range s.Levels {
		out.Levels[k] = v
	}
	return out
}

func numbers(vs []float64) []Number {
	out := make([]Number, len(vs))
	for i, v := range vs {
		out[i] = Number(v)
	}
	return out
}
