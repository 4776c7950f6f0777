package logsink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vantagebank/hookline/internal/logging"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/store"
)

// Refs ties an audit entry to the records it concerns.
type Refs struct {
	EventID    *uuid.UUID
	EndpointID *uuid.UUID
	DeliveryID *uuid.UUID
}

// Sink writes the append-only audit trail. Every entry goes to the durable
// logs collection and, mirrored, to the process log stream. A failed durable
// write is reported on the stream but never fails the caller: audit logging
// must not alter delivery outcomes.
type Sink struct {
	logs   store.LogStore
	logger *logging.Logger
}

func New(logs store.LogStore, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.New("hookline")
	}
	return &Sink{logs: logs, logger: logger}
}

func (s *Sink) Info(ctx context.Context, msg string, detail map[string]any, refs Refs) {
	s.write(ctx, string(logging.LevelInfo), msg, detail, refs)
}

func (s *Sink) Warn(ctx context.Context, msg string, detail map[string]any, refs Refs) {
	s.write(ctx, string(logging.LevelWarn), msg, detail, refs)
}

func (s *Sink) Error(ctx context.Context, msg string, detail map[string]any, refs Refs) {
	s.write(ctx, string(logging.LevelError), msg, detail, refs)
}

func (s *Sink) write(ctx context.Context, level, msg string, detail map[string]any, refs Refs) {
	entry := s.logger.WithContext(ctx).WithFields(detail)
	if refs.EventID != nil {
		entry.WithEvent(refs.EventID.String())
	}
	if refs.EndpointID != nil {
		entry.WithEndpoint(refs.EndpointID.String())
	}
	if refs.DeliveryID != nil {
		entry.WithDelivery(refs.DeliveryID.String())
	}
	switch level {
	case string(logging.LevelWarn):
		entry.Warn(msg)
	case string(logging.LevelError):
		entry.Error(msg)
	default:
		entry.Info(msg)
	}

	if s.logs == nil {
		return
	}
	row := &model.LogEntry{
		ID:         uuid.New(),
		Level:      level,
		Message:    msg,
		Detail:     detail,
		EventID:    refs.EventID,
		EndpointID: refs.EndpointID,
		DeliveryID: refs.DeliveryID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.logs.AppendLog(ctx, row); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("audit log append failed")
	}
}
