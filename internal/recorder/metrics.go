package recorder

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-record/recorder"

type metrics struct {
	sessions    metric.Int64Counter
	transcripts metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentation)
	m := &metrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("record.sessions.started", metric.WithDescription("Recording sessions started")); err != nil {
		return err
	}
	if m.transcripts, err = meter.Int64Counter("record.transcripts.received", metric.WithDescription("Partial and final transcriptions received")); err != nil {
		return err
	}
	if m.failures, err = meter.Int64Counter("record.recognition.failures", metric.WithDescription("Recognition tasks that ended with an error")); err != nil {
		return err
	}
	if m.duration, err = meter.Float64Histogram("record.session.duration", metric.WithDescription("Recording session length"), metric.WithUnit("s")); err != nil {
		return err
	}
	active, err := meter.Int64ObservableGauge("record.recording.active", metric.WithDescription("1 while a recording is in progress"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if s.state.get().State == StateRecording {
			v = 1
		}
		obs.ObserveInt64(active, v)
		return nil
	}, active)
	if err != nil {
		return err
	}
	s.metrics = m
	return nil
}

func (s *Service) countSession() {
	if s.metrics != nil {
		s.metrics.sessions.Add(s.ctx, 1)
	}
}

func (s *Service) countTranscript(final bool) {
	if s.metrics == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	s.metrics.transcripts.Add(s.ctx, 1, metric.WithAttributes(attrKind(kind)))
}

func (s *Service) countFailure() {
	if s.metrics != nil {
		s.metrics.failures.Add(s.ctx, 1)
	}
}

func (s *Service) recordDuration(seconds float64) {
	if s.metrics != nil {
		s.metrics.duration.Record(s.ctx, seconds)
	}
}

func attrKind(kind string) attribute.KeyValue {
	return attribute.String("kind", kind)
}
