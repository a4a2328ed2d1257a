// internal/notify/notify.go
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrDeliveryFailed wraps every transport error so callers can tell a failed
// dispatch apart from their own failures.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Message kinds.
const (
	KindReminder     = "reminder"
	KindWelcome      = "welcome"
	KindVerification = "verification"
	KindReceipt      = "receipt"
)

// Message is one outbound SMS.
type Message struct {
	To       string    `json:"to"`
	Body     string    `json:"body"`
	Kind     string    `json:"kind"`
	MemberID uuid.UUID `json:"member_id,omitempty"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("message has no recipient")
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("message has no body")
	}
	return nil
}

// Notifier delivers messages. Implementations return an error wrapping
// ErrDeliveryFailed when the gateway did not accept the message.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log instead of sending them. It is the
// development driver.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	n.logger.InfoContext(ctx, "sms", "to", msg.To, "kind", msg.Kind, "member_id", msg.MemberID, "body", msg.Body)
	return nil
}

// Recorder keeps every message in memory. Fail makes subsequent sends fail.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return errors.Join(ErrDeliveryFailed, r.fail)
	}
	if err := msg.validate(); err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Fail sets the error returned by later sends; nil restores delivery.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Sent returns a copy of the delivered messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}
