// Package notify turns pipeline and council events into member
// notifications. Delivery is asynchronous and best effort: a failed or
// dropped notification never affects the transition that produced it.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sopforge/backend/internal/events"
	"sopforge/backend/internal/repository"
	"sopforge/backend/internal/telemetry"
	"sopforge/backend/pkg/models"
)

// DefaultQueueSize bounds the number of events waiting for delivery.
const DefaultQueueSize = 256

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dispatcher delivers notifications for published events.
type Dispatcher struct {
	store   repository.NotificationStore
	logger  Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.Mutex
	queue   chan events.Event
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan events.Event, n)
		}
	}
}

func WithLogger(l Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store repository.NotificationStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		now:   time.Now,
		queue: make(chan events.Event, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers the dispatcher for every event on bus.
func (d *Dispatcher) Subscribe(bus *events.Bus) string {
	return bus.SubscribeAll(d.Enqueue)
}

// Enqueue queues e for delivery. When the queue is full or the dispatcher
// has stopped the event is dropped with a warning.
func (d *Dispatcher) Enqueue(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.warn("notification dispatcher stopped, dropping event", "event", e.EventType())
		return
	}
	select {
	case d.queue <- e:
	default:
		d.warn("notification queue full, dropping event", "event", e.EventType(), "organization_id", e.Organization())
	}
}

// Start drains the queue on a worker goroutine until Stop is called.
// Cancelling ctx does not abandon queued events; Stop delivers them first.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for e := range d.queue {
			d.Dispatch(ctx, e)
		}
	}()
}

// Stop stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dispatch routes one event and delivers its notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, e events.Event) {
	var err error
	count := 0

	switch ev := e.(type) {
	case events.RunEvent:
		n := d.runNotification(ev)
		switch ev.EventType() {
		case events.RunCompleted, events.RunFailed, events.RunBlocked:
			err = d.NotifyUser(ctx, ev.CreatedByID, n)
			if err == nil {
				count = 1
			}
		case events.RunAwaitingCouncil:
			count, err = d.NotifyOrganization(ctx, n, ev.ActorID)
		default:
			return
		}

	case events.CouncilEvent:
		n := d.councilNotification(ev)
		switch ev.EventType() {
		case events.CouncilRequestCreated:
			count, err = d.NotifyOrganization(ctx, n, ev.ActorID)
		case events.CouncilRequestResolved:
			count, err = d.NotifyOrganization(ctx, n, "")
		default:
			return
		}

	default:
		return
	}

	d.metrics.NotificationsDispatched(ctx, e.EventType(), count, err != nil)
	if err != nil {
		d.logError("failed to deliver notifications", "event", e.EventType(), "organization_id", e.Organization(), "error", err)
		return
	}
	d.debug("notifications delivered", "event", e.EventType(), "count", count)
}

// NotifyUser delivers n to a single member.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, n models.Notification) error {
	if userID == "" {
		return fmt.Errorf("notification %s has no recipient", n.Type)
	}
	n.ID = uuid.New().String()
	n.UserID = userID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	return d.store.CreateNotification(ctx, &n)
}

// NotifyOrganization delivers n to every member of n.OrganizationID except
// excludeUserID with one bulk insert.
func (d *Dispatcher) NotifyOrganization(ctx context.Context, n models.Notification, excludeUserID string) (int, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	return d.store.CreateOrganizationNotifications(ctx, n, excludeUserID)
}

func (d *Dispatcher) debug(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, args...)
	}
}

func (d *Dispatcher) warn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}

func (d *Dispatcher) logError(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Error(msg, args...)
	}
}
