package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose every entry, down to TraceLevel, is kept in
// memory for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns an observing logger with the default config.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: wrap(zap.New(core)),
		logs:   logs,
	}
}

// Entries returns everything logged so far.
func (t *TestLogger) Entries() []observer.LoggedEntry {
	return t.logs.All()
}

// Matching returns the entries at level whose message contains snippet.
func (t *TestLogger) Matching(level zapcore.Level, snippet string) []observer.LoggedEntry {
	return t.logs.FilterLevelExact(level).FilterMessageSnippet(snippet).All()
}

// Reset drops everything logged so far.
func (t *TestLogger) Reset() {
	_ = t.logs.TakeAll()
}

// AssertLogged fails tb unless an entry at level contains snippet.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if len(t.Matching(level, snippet)) == 0 {
		tb.Errorf("no %v entry containing %q; got %d entries", level, snippet, t.logs.Len())
	}
}

// AssertNotLogged fails tb if any entry at level contains snippet.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if n := len(t.Matching(level, snippet)); n > 0 {
		tb.Errorf("%d unexpected %v entries containing %q", n, level, snippet)
	}
}

// AssertTick fails tb unless an entry with message msg carries the run id
// and tick added by WithRunID and WithTick.
func (t *TestLogger) AssertTick(tb testing.TB, msg, runID string, tick uint64) {
	tb.Helper()
	matches := t.logs.FilterMessage(msg).
		FilterField(zap.String("run.id", runID)).
		FilterField(zap.Uint64("tick", tick))
	if matches.Len() == 0 {
		tb.Errorf("no %q entry for run %s tick %d", msg, runID, tick)
	}
}

// AssertTraceCorrelation fails tb unless an entry with message msg carries
// a trace id.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	for _, e := range t.logs.FilterMessage(msg).All() {
		if _, ok := e.ContextMap()["trace_id"]; ok {
			return
		}
	}
	tb.Errorf("no %q entry carries a trace_id", msg)
}
