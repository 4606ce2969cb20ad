package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"civicwater/internal/config"
	"civicwater/internal/domain"
)

type memSource struct {
	events []domain.Event
}

func (m *memSource) add(typ, id string) {
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: typ, EntityKind: "record", EntityID: id, ActorID: "system",
		Payload: `{"mobile":"9876543210"}`})
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context) (int64, error) {
	return int64(len(m.events)), nil
}

func TestDispatcherStartsAtTail(t *testing.T) {
	src := &memSource{}
	src.add("record.submitted", "GRV-2025-001")
	var got []string
	d := &Dispatcher{Source: src, Publisher: PublisherFunc(func(_ context.Context, e domain.Event) error {
		got = append(got, e.EntityID)
		return nil
	})}
	if n, err := d.Dispatch(context.Background()); err != nil || n != 0 {
		t.Fatalf("first pass: %d %v", n, err)
	}
	src.add("record.submitted", "GRV-2025-002")
	if n, err := d.Dispatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("second pass: %d %v", n, err)
	}
	if len(got) != 1 || got[0] != "GRV-2025-002" {
		t.Fatalf("delivered %v", got)
	}
}

func TestDispatcherStartAtReplaysLaterEvents(t *testing.T) {
	src := &memSource{}
	src.add("record.submitted", "GRV-2025-001")
	cursor, _ := src.LatestEventID(context.Background())
	src.add("record.submitted", "GRV-2025-024")
	var got []string
	d := &Dispatcher{Source: src, Publisher: PublisherFunc(func(_ context.Context, e domain.Event) error {
		got = append(got, e.EntityID)
		return nil
	})}
	d.StartAt(cursor)
	if n, err := d.Dispatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("first pass: %d %v", n, err)
	}
	if len(got) != 1 || got[0] != "GRV-2025-024" || d.Cursor() != 2 {
		t.Fatalf("delivered %v cursor %d", got, d.Cursor())
	}
}

func TestDispatcherKeepsOrderOnFailure(t *testing.T) {
	src := &memSource{}
	src.add("record.submitted", "A")
	src.add("login.verified", "B")
	src.add("record.status_changed", "C")
	fail := true
	var got []string
	d := &Dispatcher{Source: src, FromStart: true, Events: []string{"record.*"}, Publisher: PublisherFunc(func(_ context.Context, e domain.Event) error {
		if e.EntityID == "C" && fail {
			return errors.New("down")
		}
		got = append(got, e.EntityID)
		return nil
	})}
	if _, err := d.Dispatch(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if d.Cursor() != 2 {
		t.Fatalf("cursor %d", d.Cursor())
	}
	fail = false
	if n, err := d.Dispatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("retry: %d %v", n, err)
	}
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("delivered %v", got)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	calls := 0
	ok := PublisherFunc(func(context.Context, domain.Event) error { calls++; return nil })
	bad := PublisherFunc(func(context.Context, domain.Event) error { calls++; return errors.New("bad") })
	if err := (Multi{ok, bad, ok}).Publish(context.Background(), domain.Event{}); err == nil || calls != 3 {
		t.Fatalf("multi: %v calls=%d", err, calls)
	}
}

func TestWebhookPublisher(t *testing.T) {
	var body webhookEvent
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Civicwater-Event")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	disabled := false
	pub := WebhookPublisher{Hooks: []config.WebhookConfig{
		{URL: srv.URL, Events: []string{"record.overdue"}},
		{URL: "http://127.0.0.1:1/never", Enabled: &disabled},
	}}
	evt := domain.Event{ID: 7, Type: "record.overdue", EntityKind: "record", EntityID: "GRV-2025-023", Payload: `{"status":"in_progress"}`}
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if header != "record.overdue" || body.ID != 7 || body.EntityID != "GRV-2025-023" {
		t.Fatalf("received %s %+v", header, body)
	}
	header = ""
	if err := pub.Publish(context.Background(), domain.Event{ID: 8, Type: "login.verified"}); err != nil || header != "" {
		t.Fatalf("unsubscribed event delivered: %v %q", err, header)
	}
}

func TestWebhookPublisherReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	pub := WebhookPublisher{Hooks: []config.WebhookConfig{{URL: srv.URL}}}
	if err := pub.Publish(context.Background(), domain.Event{ID: 1, Type: "record.submitted"}); err == nil {
		t.Fatalf("expected failure")
	}
}

func TestNATSNotification(t *testing.T) {
	p := NewNATSPublisher(nil, "", zerolog.Nop())
	if s := p.Subject("record.status_changed"); s != "notifications.portal.record.status_changed" {
		t.Fatalf("subject %s", s)
	}
	if err := p.Publish(context.Background(), domain.Event{Type: "record.submitted"}); err != nil {
		t.Fatalf("publish without connection: %v", err)
	}
	n := toNotification(domain.Event{ID: 3, Type: "record.overdue", EntityKind: "record", EntityID: "APP-2025-001", Payload: `{"mobile":"9876543210"}`})
	if len(n.Recipients) != 1 || n.Recipients[0] != "9876543210" || n.Severity != "warning" || n.ResourceType != "record" {
		t.Fatalf("notification %+v", n)
	}
}
