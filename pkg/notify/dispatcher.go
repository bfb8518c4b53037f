package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies the notification template
type Kind string

const (
	KindBookingConfirmed Kind = "booking_confirmed"
	KindBookingCancelled Kind = "booking_cancelled"
	KindSlotDateChanged  Kind = "slot_date_changed"
	KindOfferCreated     Kind = "offer_created"
	KindOfferDeclined    Kind = "offer_declined"
	KindOfferExpired     Kind = "offer_expired"
	KindRefundRequired   Kind = "refund_required"
)

// Message is one outbound notification. Data is rendered by the delivery side.
type Message struct {
	Kind           Kind              `json:"kind"`
	RecipientEmail string            `json:"recipient_email"`
	RecipientName  string            `json:"recipient_name,omitempty"`
	Subject        string            `json:"subject"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Dispatcher defines the interface for handing notifications to a delivery channel
type Dispatcher interface {
	// Send queues the message. It does not wait for delivery.
	Send(ctx context.Context, msg Message) error

	// GetName returns the name of the dispatcher implementation
	GetName() string

	Close() error
}

// LogDispatcher writes notifications to the application log. Used in development.
type LogDispatcher struct {
	logger *logrus.Logger
}

// NewLogDispatcher creates a dispatcher that only logs
func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{
		"kind":      msg.Kind,
		"recipient": msg.RecipientEmail,
		"subject":   msg.Subject,
		"data":      string(payload),
	}).Info("Notification (log mode)")
	return nil
}

func (d *LogDispatcher) GetName() string { return "log" }

func (d *LogDispatcher) Close() error { return nil }
