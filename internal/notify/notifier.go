// Package notify turns SheetExhausted events into low-stock alerts.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/pkg/idempotency"
	"github.com/drfirst/go-dose/pkg/workerpool"
)

// Alert reasons
const (
	ReasonOutOfStock = "out_of_stock"
	ReasonLowStock   = "low_stock"
)

// Alert is the payload delivered to every sender
type Alert struct {
	EventID          string    `json:"event_id"`
	Reason           string    `json:"reason"`
	MedicineID       int64     `json:"medicine_id"`
	MedicineName     string    `json:"medicine_name,omitempty"`
	SheetID          int64     `json:"sheet_id"`
	RemainingTablets int       `json:"remaining_tablets"`
	Threshold        int       `json:"threshold"`
	RaisedAt         time.Time `json:"raised_at"`
}

// Sender delivers an alert to one destination
type Sender interface {
	Send(ctx context.Context, alert *Alert) error
}

// Inbox runs a handler at most once to completion per key.
// Keys are "<event id>/<sender name>".
type Inbox interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Result, error)
}

// Observer receives notifier outcomes
type Observer interface {
	AlertRaised(reason string)
	AlertFailed()
}

// Config holds notifier configuration
type Config struct {
	// Threshold raises a low-stock alert when fewer usable tablets remain
	Threshold int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{Threshold: 10}
}

const handlerName = "stock-alert"

// Notifier consumes dosing events and fans alerts out to its senders
type Notifier struct {
	config   Config
	inbox    Inbox
	pool     *workerpool.Pool
	senders  map[string]Sender
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a notifier; observer may be nil
func New(cfg Config, inbox Inbox, pool *workerpool.Pool, senders map[string]Sender, observer Observer, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		config:   cfg,
		inbox:    inbox,
		pool:     pool,
		senders:  senders,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("stock-notifier"),
		now:      time.Now,
	}
}

// Evaluate decides whether an exhausted sheet warrants an alert
func (n *Notifier) Evaluate(eventID string, d dosing.SheetExhaustedData) *Alert {
	reason := ""
	switch {
	case d.RemainingTablets <= 0:
		reason = ReasonOutOfStock
	case d.RemainingTablets < n.config.Threshold:
		reason = ReasonLowStock
	default:
		return nil
	}
	return &Alert{
		EventID:          eventID,
		Reason:           reason,
		MedicineID:       d.MedicineID,
		MedicineName:     d.MedicineName,
		SheetID:          d.SheetID,
		RemainingTablets: d.RemainingTablets,
		Threshold:        n.config.Threshold,
		RaisedAt:         n.now().UTC(),
	}
}

// Handle processes one encoded dosing event. Undecodable events are logged
// and skipped. An error means the event should be redelivered.
func (n *Notifier) Handle(ctx context.Context, value []byte) error {
	var evt dosing.Event
	if err := json.Unmarshal(value, &evt); err != nil {
		n.logger.Warn("skipping undecodable event", zap.Error(err))
		return nil
	}
	if evt.EventType != dosing.EventSheetExhausted {
		return nil
	}

	ctx, span := n.tracer.Start(ctx, "handle_sheet_exhausted",
		trace.WithAttributes(
			attribute.String("event_id", evt.ID),
			attribute.String("medicine_id", evt.AggregateID),
		))
	defer span.End()

	var data dosing.SheetExhaustedData
	if err := json.Unmarshal(evt.EventData, &data); err != nil {
		n.logger.Warn("skipping malformed SheetExhausted event",
			zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}

	alert := n.Evaluate(evt.ID, data)
	if alert == nil {
		n.logger.Debug("stock above threshold",
			zap.Int64("medicine_id", data.MedicineID),
			zap.Int("remaining", data.RemainingTablets))
		return nil
	}

	delivered, err := n.deliver(ctx, evt.ID, alert)
	if err != nil {
		span.RecordError(err)
		if n.observer != nil {
			n.observer.AlertFailed()
		}
		return fmt.Errorf("deliver alert for event %s: %w", evt.ID, err)
	}

	if delivered == 0 {
		n.logger.Debug("alert already delivered", zap.String("event_id", evt.ID))
		return nil
	}
	if n.observer != nil {
		n.observer.AlertRaised(alert.Reason)
	}
	n.logger.Info("stock alert delivered",
		zap.String("event_id", evt.ID),
		zap.String("reason", alert.Reason),
		zap.Int64("medicine_id", alert.MedicineID),
		zap.Int("remaining", alert.RemainingTablets),
		zap.Int("senders", delivered))
	return nil
}

// deliver fans alert out to every sender that has not accepted it yet.
// Each sender has its own inbox entry, so a redelivery after a partial
// failure only repeats the senders that failed. It returns how many
// senders delivered during this call.
func (n *Notifier) deliver(ctx context.Context, eventID string, alert *Alert) (int, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}

	var fresh int64
	tasks := make(map[string]workerpool.Task, len(n.senders))
	for name, s := range n.senders {
		tasks[name] = func(ctx context.Context) error {
			res, err := n.inbox.Process(ctx, eventID+"/"+name, handlerName+"."+name, payload,
				func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
					if err := s.Send(ctx, alert); err != nil {
						return nil, err
					}
					return payload, nil
				})
			switch {
			case errors.Is(err, idempotency.ErrPreviouslyFailed):
				n.logger.Warn("sender failed permanently for event",
					zap.String("event_id", eventID), zap.String("sender", name))
				return nil
			case err != nil:
				return err
			}
			if !res.Duplicate {
				atomic.AddInt64(&fresh, 1)
			}
			return nil
		}
	}
	err = n.pool.Run(ctx, tasks)
	return int(atomic.LoadInt64(&fresh)), err
}
