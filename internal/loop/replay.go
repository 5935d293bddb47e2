package loop

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hnm/internal/hnm"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

const maxRecordSize = 4 * 1024 * 1024

// ErrNoRecords is returned when a replay input holds no records.
var ErrNoRecords = errors.New("loop: replay input has no records")

// Record is one line of a replay file. Every map is keyed by level name,
// except External which is keyed by external signal name.
type Record struct {
	Sensory  map[string][]float64 `json:"sensory"`
	External map[string][]float64 `json:"external,omitempty"`
	Targets  map[string][]float64 `json:"targets,omitempty"`
}

// ReadRecords parses JSON-lines records. Blank lines and lines starting with
// # are skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var records []Record
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading replay input: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

// Replay trains the hierarchy on recorded input for the given number of
// epochs, supervising every level named in a record's targets. It continues
// from the loop's current states and returns the mean finite anomaly across
// levels and records for each epoch. Nothing is published.
func (l *Loop) Replay(ctx context.Context, r io.Reader, epochs int) ([]float64, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if epochs < 1 {
		return nil, fmt.Errorf("loop: epochs must be >= 1, got %d", epochs)
	}
	records, err := ReadRecords(r)
	if err != nil {
		return nil, err
	}

	dims := l.levelDims()
	means := make([]float64, 0, epochs)
	for epoch := 0; epoch < epochs; epoch++ {
		var sum float64
		var n int
		for i, rec := range records {
			if err := ctx.Err(); err != nil {
				return means, err
			}
			res, err := l.replayRecord(ctx, rec, dims)
			l.refreshLive()
			if err != nil {
				return means, fmt.Errorf("epoch %d record %d: %w", epoch, i, err)
			}
			for _, a := range res.Anomalies {
				if !math.IsNaN(a) && !math.IsInf(a, 0) {
					sum += a
					n++
				}
			}
		}
		mean := math.NaN()
		if n > 0 {
			mean = sum / float64(n)
		}
		means = append(means, mean)
		l.logger.Info(ctx, "replay epoch complete",
			zap.Int("epoch", epoch),
			zap.Int("records", len(records)),
			zap.Float64("mean_anomaly", mean),
		)
	}
	return means, nil
}

func (l *Loop) replayRecord(ctx context.Context, rec Record, dims map[string]int) (*hnm.StepResult, error) {
	var owned []*tensor.Tensor
	defer func() {
		for _, t := range owned {
			t.Dispose()
		}
	}()
	build := func(kind string, m map[string][]float64) (map[string]*tensor.Tensor, error) {
		out := make(map[string]*tensor.Tensor, len(m))
		for _, name := range sortedNames(m) {
			// an empty vector is treated like an absent one and zero-filled
			if len(m[name]) == 0 {
				continue
			}
			t, err := l.backend.FromValues(m[name], 1, 1, len(m[name]))
			if err != nil {
				return nil, fmt.Errorf("%s %q: %w", kind, name, err)
			}
			owned = append(owned, t.Keep())
			out[name] = t
		}
		return out, nil
	}

	sensory, err := build("sensory", rec.Sensory)
	if err != nil {
		return nil, err
	}
	external, err := build("external", rec.External)
	if err != nil {
		return nil, err
	}
	for name, v := range rec.Targets {
		dim, ok := dims[name]
		if !ok {
			return nil, fmt.Errorf("target for unknown level %q", name)
		}
		if len(v) != 0 && len(v) != dim {
			return nil, fmt.Errorf("target for level %q has %d values, want %d", name, len(v), dim)
		}
	}
	targets, err := build("target", rec.Targets)
	if err != nil {
		return nil, err
	}

	return l.advance(ctx, hnm.StepInput{
		Sensory:         sensory,
		External:        external,
		TrainingTargets: targets,
	})
}

func (l *Loop) levelDims() map[string]int {
	dims := map[string]int{}
	for _, lc := range l.system.Levels() {
		dims[lc.Name] = lc.Dim
	}
	return dims
}

func sortedNames(m map[string][]float64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
