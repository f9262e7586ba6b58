package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
)

type recordingInvalidator struct {
	groups []string
	all    int
	err    error
}

func (r *recordingInvalidator) InvalidateRuleGroup(_ context.Context, tenantID, groupID string) error {
	r.groups = append(r.groups, tenantID+"/"+groupID)
	return r.err
}

func (r *recordingInvalidator) InvalidateAll(context.Context) error {
	r.all++
	return r.err
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		payload    string
		wantTenant string
		wantGroup  string
		wantErr    bool
	}{
		{"acme:pick-fees", "acme", "pick-fees", false},
		{"acme:group:with:colons", "acme", "group:with:colons", false},
		{"acme", "", "", true},
		{":pick-fees", "", "", true},
		{"acme:", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			tenant, group, err := ParseNotification(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNotification(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if tenant != tt.wantTenant || group != tt.wantGroup {
				t.Errorf("ParseNotification(%q) = %q, %q", tt.payload, tenant, group)
			}
		})
	}
}

func TestListenerHandle(t *testing.T) {
	inv := &recordingInvalidator{}
	l := &Listener{invalidator: inv, channel: DefaultNotifyChannel}
	ctx := context.Background()

	if err := l.handle(ctx, &pq.Notification{Channel: DefaultNotifyChannel, Extra: "acme:pick-fees"}); err != nil {
		t.Fatalf("handle() failed: %v", err)
	}
	if len(inv.groups) != 1 || inv.groups[0] != "acme/pick-fees" {
		t.Errorf("invalidated groups = %v", inv.groups)
	}

	// A nil notification follows a reconnect
	if err := l.handle(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if inv.all != 1 {
		t.Errorf("InvalidateAll called %d times, want 1", inv.all)
	}

	if err := l.handle(ctx, &pq.Notification{Extra: "garbage"}); err == nil {
		t.Error("malformed payload should be reported")
	}
	if len(inv.groups) != 1 {
		t.Errorf("malformed payload invalidated %v", inv.groups)
	}

	inv.err = errors.New("redis down")
	if err := l.handle(ctx, &pq.Notification{Extra: "acme:pick-fees"}); !errors.Is(err, inv.err) {
		t.Errorf("handle() error = %v, want the invalidator's error", err)
	}
}

func TestListenerRunStopsWhenClosed(t *testing.T) {
	inv := &recordingInvalidator{}
	notify := make(chan *pq.Notification, 1)
	l := &Listener{notify: notify, ping: func() error { return nil }, invalidator: inv, channel: DefaultNotifyChannel}

	notify <- &pq.Notification{Extra: "acme:pick-fees"}
	close(notify)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil after the notify channel closes", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() kept running after the notify channel closed")
	}
	if len(inv.groups) != 1 {
		t.Errorf("invalidated groups = %v, want the queued notification", inv.groups)
	}
	if inv.all != 0 {
		t.Errorf("InvalidateAll called %d times after close, want 0", inv.all)
	}
}

func TestListenerRunStopsOnCancel(t *testing.T) {
	l := &Listener{notify: make(chan *pq.Notification), ping: func() error { return nil }, invalidator: &recordingInvalidator{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
