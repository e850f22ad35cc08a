package monitoring

import (
	"context"

	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/internal/infrastructure/eventbus"
)

// Subscribe wires the monitor to conversation events on the bus.
//
//	monitor := monitoring.NewMonitor(logger)
//	monitor.Subscribe(bus)
func (m *Monitor) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(eventbus.Wildcard, m.handleEvent)
}

func (m *Monitor) handleEvent(_ context.Context, event eventbus.Event) {
	ev, ok := eventbus.ConversationPayload(event)
	if !ok {
		return
	}

	switch ev.Type {
	case service.EventConversationStart:
		m.IncConversationCreated()
	case service.EventMessageAppended:
		m.IncMessageAppended(ev.Persisted)
	case service.EventSummarized:
		m.IncSummarization()
	case service.EventSummarizeFailed:
		m.IncSummarizeFailure()
	case service.EventCondenseFallback:
		m.IncCondenseFallback()
	}
}

// replyRecorder wraps a responder and counts its calls.
type replyRecorder struct {
	next    Responder
	monitor *Monitor
}

// Responder matches the chat flow's downstream model.
type Responder interface {
	Respond(ctx context.Context, prompt, userMessage string) (string, error)
}

// InstrumentResponder counts calls and failures of r.
func (m *Monitor) InstrumentResponder(r Responder) Responder {
	if r == nil {
		return nil
	}
	return &replyRecorder{next: r, monitor: m}
}

func (r *replyRecorder) Respond(ctx context.Context, prompt, userMessage string) (string, error) {
	reply, err := r.next.Respond(ctx, prompt, userMessage)
	r.monitor.RecordReply(err)
	return reply, err
}
