package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const eventsChannel = "flow_events"

func notifyEvents(tx *sql.Tx) error {
	if _, err := tx.Exec("SELECT pg_notify($1, '')", eventsChannel); err != nil {
		return fmt.Errorf("notifying listeners: %w", err)
	}

	return nil
}

// notificationListener manages the LISTEN connection for reactive event polling
type notificationListener struct {
	dsn    string
	logger *slog.Logger

	listener *pq.Listener
	notify   chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newNotificationListener(dsn string, logger *slog.Logger) *notificationListener {
	return &notificationListener{
		dsn:    dsn,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Start begins listening for notifications
func (nl *notificationListener) Start() error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if nl.started {
		return nil
	}

	nl.listener = pq.NewListener(nl.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			nl.logger.Error("event listener event", "event", ev, "error", err)
		}
	})

	if err := nl.listener.Listen(eventsChannel); err != nil {
		nl.listener.Close()
		return fmt.Errorf("listening to events channel: %w", err)
	}

	var ctx context.Context
	ctx, nl.cancel = context.WithCancel(context.Background())

	nl.started = true

	nl.wg.Add(1)
	go nl.handleNotifications(ctx)

	return nil
}

// Close stops the listener
func (nl *notificationListener) Close() error {
	nl.mu.Lock()
	if nl.closed || !nl.started {
		nl.closed = true
		nl.mu.Unlock()
		return nil
	}
	nl.closed = true
	nl.cancel()
	nl.mu.Unlock()

	nl.wg.Wait()

	if err := nl.listener.Close(); err != nil {
		return fmt.Errorf("closing event listener: %w", err)
	}

	return nil
}

func (nl *notificationListener) handleNotifications(ctx context.Context) {
	defer nl.wg.Done()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-nl.listener.Notify:
			if !ok {
				return
			}

			// A nil notification signals a reconnect, wake up pollers as events might have been missed
			select {
			case nl.notify <- struct{}{}:
			default:
				// Notification already pending
			}
		case <-ping.C:
			// Keep connection alive
			if err := nl.listener.Ping(); err != nil {
				nl.logger.Error("event listener ping failed", "error", err)
			}
		}
	}
}

// Wait waits for a notification, returns false on timeout or cancellation.
func (nl *notificationListener) Wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	case <-nl.notify:
		return true
	}
}
