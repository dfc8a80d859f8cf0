// Package kafka mirrors notifications to a Kafka topic as JSON records keyed
// by destination address.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/protocol"
)

// Type is the reporter type name used in configuration.
const Type = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 50 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultWriteTimeout = 5 * time.Second
)

// Config represents Kafka reporter configuration.
type Config struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none|gzip|snappy|lz4
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Async        bool          `mapstructure:"async" yaml:"async"`
}

// ParseConfig decodes reporter options and fills in defaults.
func ParseConfig(options map[string]any) (Config, error) {
	if options == nil {
		return Config{}, errors.New("kafka reporter requires configuration")
	}
	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
		Async:        true,
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(options); err != nil {
		return Config{}, fmt.Errorf("invalid kafka options: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and the compression name.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if _, err := codec(c.Compression); err != nil {
		return err
	}
	return nil
}

func codec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	}
	return nil, fmt.Errorf("invalid compression type: %s", name)
}

// Record is the JSON value written for each notification.
type Record struct {
	Cmd  string    `json:"cmd"`
	Addr string    `json:"addr"`
	Time time.Time `json:"time"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reporter writes notifications to Kafka.
type Reporter struct {
	cfg    Config
	writer messageWriter
	now    func() time.Time

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// New creates a reporter with its own writer.
func New(cfg Config) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc, _ := codec(cfg.Compression)
	r := &Reporter{cfg: cfg, now: time.Now}
	wc := kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: cc,
		Async:            cfg.Async,
	}
	w := kafka.NewWriter(wc)
	if cfg.Async {
		w.Completion = r.completion
	}
	r.writer = w

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka reporter started")
	return r, nil
}

func newWithWriter(cfg Config, w messageWriter, now func() time.Time) *Reporter {
	return &Reporter{cfg: cfg, writer: w, now: now}
}

func (r *Reporter) completion(msgs []kafka.Message, err error) {
	if err != nil {
		r.errorCount.Add(uint64(len(msgs)))
		log.GetLogger().WithError(err).Warnf("kafka write of %d notifications failed", len(msgs))
		return
	}
	r.reportedCount.Add(uint64(len(msgs)))
}

// Report writes one notification.
func (r *Reporter) Report(ctx context.Context, n core.Notification) error {
	cmd, ok := protocol.NotificationCommand(n.Kind)
	if !ok {
		return fmt.Errorf("unknown notification kind %s", n.Kind)
	}
	value, err := json.Marshal(Record{
		Cmd:  protocol.CommandName(cmd),
		Addr: n.Addr.String(),
		Time: r.now().UTC(),
	})
	if err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("serialize notification failed: %w", err)
	}

	msg := kafka.Message{Key: []byte(n.Addr.String()), Value: value}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	if !r.cfg.Async {
		r.reportedCount.Add(1)
	}
	return nil
}

// Handle is an event bus handler.
func (r *Reporter) Handle(n core.Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return r.Report(ctx, n)
}

// Counts returns the number of notifications written and failed.
func (r *Reporter) Counts() (reported, failed uint64) {
	return r.reportedCount.Load(), r.errorCount.Load()
}

// Close flushes pending messages and closes the writer.
func (r *Reporter) Close() error {
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("error closing kafka writer: %w", err)
	}
	reported, failed := r.Counts()
	log.GetLogger().WithFields(map[string]interface{}{
		"total_reported": reported,
		"total_errors":   failed,
	}).Info("kafka reporter stopped")
	return nil
}
