package pipeline

import "github.com/moat/moat/internal/model"

// FanOutOutcomeSink delivers one OutcomeEvent to every configured sink, in
// order, so the same step-10 emission can feed the Trust Scorer's in-memory
// window and the audit store's outcome_events table without either one
// knowing about the other.
type FanOutOutcomeSink struct {
	sinks []OutcomeSink
}

// NewFanOutOutcomeSink constructs a sink that fans out to every one of
// sinks. Nil entries are ignored, so callers can pass an optional sink
// without a conditional.
func NewFanOutOutcomeSink(sinks ...OutcomeSink) *FanOutOutcomeSink {
	f := &FanOutOutcomeSink{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Emit implements OutcomeSink by forwarding to every configured sink.
func (f *FanOutOutcomeSink) Emit(e model.OutcomeEvent) {
	for _, s := range f.sinks {
		s.Emit(e)
	}
}
