package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

// Exporter delivers turn records in the background. Delivery is best effort:
// a full queue drops the record, a failed export is logged and never retried.
type Exporter struct {
	sink    repositories.MetricsSink
	queue   chan entities.TurnRecord
	timeout time.Duration
	logger  *zap.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
	sent    atomic.Uint64
}

func NewExporter(sink repositories.MetricsSink, queueSize int, timeout time.Duration, logger *zap.Logger) *Exporter {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Exporter{
		sink:    sink,
		queue:   make(chan entities.TurnRecord, queueSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Export queues rec without blocking and reports whether it was accepted
func (e *Exporter) Export(rec entities.TurnRecord) bool {
	select {
	case e.queue <- rec:
		return true
	default:
		e.dropped.Add(1)
		e.logger.Warn("Metrics export queue full, dropping record",
			zap.String("session_id", rec.SessionID),
			zap.String("turn_id", rec.TurnID))
		return false
	}
}

// Run delivers queued records until ctx is done
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-e.queue:
			e.deliver(ctx, rec)
		}
	}
}

func (e *Exporter) deliver(ctx context.Context, rec entities.TurnRecord) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.sink.Export(ctx, rec); err != nil {
		e.failed.Add(1)
		e.logger.Warn("Failed to export turn metrics",
			zap.String("session_id", rec.SessionID),
			zap.String("turn_id", rec.TurnID),
			zap.Error(err))
		return
	}
	e.sent.Add(1)
}

// Stats returns delivery counters
func (e *Exporter) Stats() (sent, failed, dropped uint64) {
	return e.sent.Load(), e.failed.Load(), e.dropped.Load()
}

// LogSink writes each record as a structured log line
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Export(ctx context.Context, rec entities.TurnRecord) error {
	s.logger.Info("Turn metrics",
		zap.Time("timestamp", rec.Timestamp),
		zap.String("session_id", rec.SessionID),
		zap.String("turn_id", rec.TurnID),
		zap.Int64("asr_partial_latency_ms", rec.ASRPartialLatencyMs),
		zap.Int64("asr_final_latency_ms", rec.ASRFinalLatencyMs),
		zap.Int64("llm_latency_ms", rec.LLMLatencyMs),
		zap.Int64("tts_ttfa_ms", rec.TTSTTFAMs),
		zap.Int64("e2e_roundtrip_ms", rec.E2ERoundtripMs),
		zap.Int64("barge_in_cut_ms", rec.BargeInCutMs),
		zap.String("route", string(rec.Route)),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("error_count", rec.ErrorCount))
	return nil
}

// MultiSink exports to every sink and joins their errors
type MultiSink []repositories.MetricsSink

func (m MultiSink) Export(ctx context.Context, rec entities.TurnRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Export(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
