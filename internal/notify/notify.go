// Package notify fans out audit events to configured subscribers. Delivery
// is asynchronous and best-effort; the request path never waits on it.
package notify

import (
	"context"
	"io"
	"log"
	"time"

	"toolgate.local/gateway/internal/types"
)

// Event is the audit summary delivered to subscribers.
type Event struct {
	Timestamp  time.Time        `json:"timestamp"`
	RequestID  string           `json:"request_id"`
	ToolName   string           `json:"tool_name"`
	Signature  string           `json:"signature"`
	Decision   types.Decision   `json:"decision"`
	Resolution types.Resolution `json:"resolution"`
	ErrorKind  types.ErrorKind  `json:"error_kind,omitempty"`
}

func EventFromAudit(entry types.AuditEntry) Event {
	return Event{
		Timestamp:  entry.Timestamp,
		RequestID:  entry.RequestID,
		ToolName:   entry.ToolName,
		Signature:  entry.Signature,
		Decision:   entry.Decision,
		Resolution: entry.Resolution,
		ErrorKind:  entry.ErrorKind,
	}
}

type Subscriber interface {
	Name() string
	Handle(context.Context, Event) error
}

type Dispatcher struct {
	logger       *log.Logger
	subscribers  []Subscriber
	retryCount   int
	retryBackoff time.Duration
}

func NewDispatcher(logger *log.Logger, subs []Subscriber) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	for _, sub := range d.subscribers {
		s := sub
		go d.dispatchOne(ctx, s, event)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub Subscriber, event Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s request_id=%s attempt=%d err=%v", sub.Name(), event.RequestID, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
