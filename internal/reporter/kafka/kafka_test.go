package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rom/internal/core"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
		wantErr bool
	}{
		{name: "nil options", options: nil, wantErr: true},
		{name: "missing brokers", options: map[string]any{"topic": "rom"}, wantErr: true},
		{name: "missing topic", options: map[string]any{"brokers": []any{"localhost:9092"}}, wantErr: true},
		{
			name:    "minimal",
			options: map[string]any{"brokers": []any{"localhost:9092"}, "topic": "rom"},
		},
		{
			name: "full",
			options: map[string]any{
				"brokers":       []any{"b1:9092", "b2:9092"},
				"topic":         "rom",
				"batch_size":    200,
				"batch_timeout": "200ms",
				"compression":   "gzip",
				"max_attempts":  "5",
				"async":         false,
			},
		},
		{
			name: "invalid compression",
			options: map[string]any{
				"brokers":     []any{"localhost:9092"},
				"topic":       "rom",
				"compression": "brotli",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.options)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseConfigValues(t *testing.T) {
	cfg, err := ParseConfig(map[string]any{
		"brokers":       []any{"b1:9092"},
		"topic":         "rom",
		"batch_timeout": "200ms",
		"max_attempts":  "5",
	})
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, defaultBatchSize, cfg.BatchSize)
	assert.Equal(t, "snappy", cfg.Compression)
	assert.True(t, cfg.Async)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestReport(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := &fakeWriter{}
	r := newWithWriter(Config{}, w, func() time.Time { return at })

	addr, err := core.ParseAddr("10.2.0.5")
	require.NoError(t, err)
	require.NoError(t, r.Handle(core.Notification{Kind: core.RouteRequest, Addr: addr}))
	require.NoError(t, r.Handle(core.Notification{Kind: core.RouteError, Addr: addr}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("10.2.0.5"), w.msgs[0].Key)

	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, Record{Cmd: "RREQ", Addr: "10.2.0.5", Time: at}, rec)

	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &rec))
	assert.Equal(t, "RERR", rec.Cmd)

	reported, failed := r.Counts()
	assert.Equal(t, uint64(2), reported)
	assert.Zero(t, failed)

	require.NoError(t, r.Close())
	assert.True(t, w.closed)
}

func TestReportErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	r := newWithWriter(Config{}, w, time.Now)

	err := r.Report(context.Background(), core.Notification{Kind: core.RouteLife, Addr: 1})
	assert.ErrorContains(t, err, "broker down")

	err = r.Report(context.Background(), core.Notification{Kind: core.NotificationKind(42)})
	assert.Error(t, err)

	_, failed := r.Counts()
	assert.Equal(t, uint64(1), failed)
}

func TestAsyncCompletion(t *testing.T) {
	r := newWithWriter(Config{Async: true}, &fakeWriter{}, time.Now)
	r.completion(make([]kafka.Message, 3), nil)
	r.completion(make([]kafka.Message, 2), errors.New("timeout"))
	reported, failed := r.Counts()
	assert.Equal(t, uint64(3), reported)
	assert.Equal(t, uint64(2), failed)
}
