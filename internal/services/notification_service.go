package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/metrics"
	"github.com/trailmarket/tour-engine/pkg/notify"
)

// notifyTimeout bounds a single dispatch so a slow broker never stalls a request
const notifyTimeout = 5 * time.Second

// NotificationService hands messages to the dispatcher. Dispatch failures are
// logged and counted, never returned: a notification must not undo the state
// change that triggered it.
type NotificationService struct {
	dispatcher notify.Dispatcher
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(dispatcher notify.Dispatcher, m *metrics.Metrics, logger *logrus.Logger) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// Send dispatches msg and reports whether it was accepted by the dispatcher
func (s *NotificationService) Send(ctx context.Context, msg notify.Message) bool {
	if s == nil || s.dispatcher == nil {
		return false
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	// Detached from the caller: the triggering transition is already committed
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := s.dispatcher.Send(sendCtx, msg); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind":       msg.Kind,
			"recipient":  msg.RecipientEmail,
			"dispatcher": s.dispatcher.GetName(),
		}).Warn("Failed to dispatch notification")
		s.metrics.Notification(string(msg.Kind), false)
		return false
	}
	s.metrics.Notification(string(msg.Kind), true)
	return true
}
