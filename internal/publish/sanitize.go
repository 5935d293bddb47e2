package publish

import (
	"math"
	"time"
)

// wireMessage mirrors Message with nullable numbers.
type wireMessage struct {
	RunID        string     `json:"run_id"`
	Tick         uint64     `json:"tick"`
	Level        string     `json:"level"`
	Values       []*float64 `json:"values"`
	Anomaly      *float64   `json:"anomaly"`
	WeightChange *float64   `json:"weight_change"`
	Timestamp    string     `json:"timestamp"`
}

func sanitize(m Message) wireMessage {
	w := wireMessage{
		RunID:        m.RunID,
		Tick:         m.Tick,
		Level:        m.Level,
		Values:       make([]*float64, len(m.Values)),
		Anomaly:      finite(m.Anomaly),
		WeightChange: finite(m.WeightChange),
		Timestamp:    m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for i, v := range m.Values {
		w.Values[i] = finite(v)
	}
	return w
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
