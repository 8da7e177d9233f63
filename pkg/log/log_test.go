package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/paylane/custodian/pkg/log"
)

type bufferSyncer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufferSyncer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferSyncer) Sync() error { return nil }

func (b *bufferSyncer) entries(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

type recorder struct {
	events []string
	errors []string
	last   []any
}

func (r *recorder) TraceID() string { return "trace-1" }
func (r *recorder) SpanID() string  { return "span-1" }

func (r *recorder) RecordEvent(name string, keysAndValues ...any) {
	r.events = append(r.events, name)
	r.last = keysAndValues
}

func (r *recorder) RecordError(name string, keysAndValues ...any) {
	r.errors = append(r.errors, name)
	r.last = keysAndValues
}

func TestZapLogger_JSON(t *testing.T) {
	sink := &bufferSyncer{}
	lg := log.NewZapLogger(log.Config{Format: "json", Level: log.LevelInfo, Output: "stdout"}, sink)
	lg = lg.WithName("channel-service").WithKV("receiver", "0xabc")

	lg.Debug("hidden")
	lg.Info("channel opened", "deposit", "100")
	lg.Warn("height stale", "height", 10)

	entries := sink.entries(t)
	require.Len(t, entries, 2)

	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "channel-service", entries[0]["logger"])
	assert.Equal(t, "channel opened", entries[0]["msg"])
	assert.Equal(t, "0xabc", entries[0]["receiver"])
	assert.Equal(t, "100", entries[0]["deposit"])
	assert.Contains(t, entries[0]["caller"], "log/log_test.go")

	assert.Equal(t, "warn", entries[1]["level"])
	assert.EqualValues(t, 10, entries[1]["height"])
}

func TestZapLogger_WithKVDoesNotAlias(t *testing.T) {
	base := log.NewZapLogger(log.Config{Output: "stdout"}).WithKV("a", 1)
	left := base.WithKV("b", 2)
	right := base.WithKV("c", 3)

	assert.Equal(t, []any{"a", 1, "b", 2}, left.GetAllKV())
	assert.Equal(t, []any{"a", 1, "c", 3}, right.GetAllKV())
	assert.Equal(t, "x.y", base.WithName("x").WithName("y").Name())
}

func TestSpanLogger(t *testing.T) {
	sink := &bufferSyncer{}
	rec := &recorder{}
	inner := log.NewZapLogger(log.Config{Format: "json", Level: log.LevelDebug}, sink).WithName("dispute")
	lg := log.NewSpanLogger(inner, rec).WithKV("key", "0x01")

	lg.Info("close requested", "settleHeight", 520)
	assert.Equal(t, []string{"close requested"}, rec.events)
	assert.Equal(t, []any{"level", "info", "component", "dispute", "key", "0x01", "settleHeight", 520}, rec.last)

	lg.Error("payout failed", "error", "boom")
	assert.Equal(t, []string{"payout failed"}, rec.errors)

	entries := sink.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "trace-1", entries[0]["traceId"])
	assert.Equal(t, "span-1", entries[0]["spanId"])
	assert.Contains(t, entries[1]["caller"], "log/log_test.go")
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, isNoop := log.FromContext(ctx).(log.NoopLogger)
	assert.True(t, isNoop)

	lg := log.NewZapLogger(log.Config{Output: "stdout"})
	_, isZap := log.FromContext(log.SetContextLogger(ctx, lg)).(*log.ZapLogger)
	assert.True(t, isZap)

	_, isNoop = log.FromContext(log.SetContextLogger(ctx, nil)).(log.NoopLogger)
	assert.True(t, isNoop)

	spanCtx := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: [16]byte{1},
		SpanID:  [8]byte{1},
	}))
	_, isSpan := log.FromContext(log.SetContextLogger(spanCtx, lg)).(*log.SpanLogger)
	assert.True(t, isSpan)
}
