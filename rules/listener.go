package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/billingrules/internal/logger"
)

// Invalidator drops cached rule groups when their stored definitions change
type Invalidator interface {
	InvalidateRuleGroup(ctx context.Context, tenantID, groupID string) error
	InvalidateAll(ctx context.Context) error
}

// Listener turns Postgres NOTIFY messages about rule group edits into cache
// invalidations
type Listener struct {
	listener    *pq.Listener
	notify      <-chan *pq.Notification
	ping        func() error
	invalidator Invalidator
	channel     string
}

// NewListener connects to Postgres and subscribes to channel
func NewListener(dsn, channel string, invalidator Invalidator) (*Listener, error) {
	pl := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("rule group listener event", "event", int(ev), "error", err)
		}
	})
	if err := pl.Listen(channel); err != nil {
		pl.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	return &Listener{
		listener:    pl,
		notify:      pl.Notify,
		ping:        pl.Ping,
		invalidator: invalidator,
		channel:     channel,
	}, nil
}

// Run dispatches notifications until ctx is cancelled. A nil notification
// means the connection was re-established and notifications may have been
// lost, so every tenant's cache is dropped.
func (l *Listener) Run(ctx context.Context) error {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-l.notify:
			if !ok {
				// closed by Close
				return nil
			}
			if err := l.handle(ctx, n); err != nil {
				logger.Warn("rule group invalidation failed", "error", err)
			}

		case <-ping.C:
			go func() {
				if err := l.ping(); err != nil {
					logger.Warn("rule group listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (l *Listener) handle(ctx context.Context, n *pq.Notification) error {
	if n == nil {
		logger.Info("rule group listener reconnected, dropping all cached rule groups")
		return l.invalidator.InvalidateAll(ctx)
	}

	tenantID, groupID, err := ParseNotification(n.Extra)
	if err != nil {
		return err
	}
	logger.Debug("rule group changed", "tenant_id", tenantID, "rule_group_id", groupID)
	return l.invalidator.InvalidateRuleGroup(ctx, tenantID, groupID)
}

// Close stops listening
func (l *Listener) Close() error {
	return l.listener.Close()
}

// ParseNotification splits a "<tenant id>:<rule group id>" payload
func ParseNotification(payload string) (tenantID, groupID string, err error) {
	tenantID, groupID, ok := strings.Cut(payload, ":")
	if !ok || tenantID == "" || groupID == "" {
		return "", "", fmt.Errorf("malformed rule group notification %q", payload)
	}
	return tenantID, groupID, nil
}
