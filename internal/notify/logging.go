package notify

import (
	"context"
	"io"
	"log"
)

// LoggingSubscriber writes one line per audit event to the gateway log.
type LoggingSubscriber struct {
	logger *log.Logger
}

func NewLoggingSubscriber(logger *log.Logger) *LoggingSubscriber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LoggingSubscriber{logger: logger}
}

func (s *LoggingSubscriber) Name() string {
	return "logging"
}

func (s *LoggingSubscriber) Handle(_ context.Context, event Event) error {
	s.logger.Printf("audit request_id=%s tool=%s signature=%q decision=%s resolution=%s error_kind=%s",
		event.RequestID, event.ToolName, event.Signature, event.Decision, event.Resolution, event.ErrorKind)
	return nil
}
