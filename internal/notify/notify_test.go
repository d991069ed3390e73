package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogDispatcher_Send(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLogDispatcher(zap.New(core))

	err := d.Send(context.Background(), "a@example.com", "application_offered", map[string]any{"title": "Engineer"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	entries := logs.FilterMessage("notification").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["template"]; got != "application_offered" {
		t.Errorf("template field = %v", got)
	}
}

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestSMTP(t *testing.T, fail error) (*SMTPDispatcher, *captured) {
	t.Helper()
	c := &captured{}
	d := NewSMTPDispatcher(SMTPConfig{Host: "mail.local", Port: 2525, From: "hr@example.com"}, nil, nil)
	d.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = addr, from, to, string(msg)
		return fail
	}
	return d, c
}

func TestSMTPDispatcher_Send_renders_template(t *testing.T) {
	d, c := newTestSMTP(t, nil)
	data := map[string]any{"title": "Backend Engineer", "reference": "REQ-7", "contact_name": "Ada", "notes": "good fit"}

	if err := d.Send(context.Background(), "ada@example.com", "application_offered", data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if c.addr != "mail.local:2525" {
		t.Errorf("addr = %q", c.addr)
	}
	if len(c.to) != 1 || c.to[0] != "ada@example.com" {
		t.Errorf("to = %v", c.to)
	}
	for _, want := range []string{"Subject: Offer for Backend Engineer", "Dear Ada", "REQ-7", "good fit"} {
		if !strings.Contains(c.msg, want) {
			t.Errorf("message missing %q:\n%s", want, c.msg)
		}
	}
}

func TestSMTPDispatcher_Send_fallback_template(t *testing.T) {
	d, c := newTestSMTP(t, nil)
	data := map[string]any{"title": "X", "entity_type": "application", "reference": "R", "status": "hired"}
	if err := d.Send(context.Background(), "x@example.com", "custom_template", data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(c.msg, "application R moved to hired") {
		t.Errorf("fallback body missing:\n%s", c.msg)
	}
}

func TestSMTPDispatcher_Send_errors(t *testing.T) {
	d, _ := newTestSMTP(t, errors.New("connection refused"))
	if err := d.Send(context.Background(), "x@example.com", "application_hired", nil); err == nil {
		t.Error("Send() with transport failure should return error")
	}
	if err := d.Send(context.Background(), "x@example.com\r\nBcc: y@example.com", "application_hired", nil); err == nil {
		t.Error("Send() with header injection should return error")
	}
	if err := d.Send(context.Background(), "", "application_hired", nil); err == nil {
		t.Error("Send() with empty recipient should return error")
	}
}

func TestQueue_delivers_and_drains(t *testing.T) {
	var delivered atomic.Int32
	next := DispatcherFunc(func(context.Context, string, string, map[string]any) error {
		delivered.Add(1)
		return nil
	})
	var results atomic.Int32
	q := NewQueue(next, 10, 2, nil, func(string, error) { results.Add(1) })

	for i := 0; i < 5; i++ {
		if err := q.Send(context.Background(), "a@example.com", "t", nil); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if delivered.Load() != 5 || results.Load() != 5 {
		t.Errorf("delivered=%d results=%d, want 5", delivered.Load(), results.Load())
	}
	if err := q.Send(context.Background(), "a@example.com", "t", nil); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Send() after Close = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_full(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	next := DispatcherFunc(func(context.Context, string, string, map[string]any) error {
		started <- struct{}{}
		<-release
		return nil
	})
	q := NewQueue(next, 1, 1, nil, nil)

	if err := q.Send(context.Background(), "a", "t", nil); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	<-started // worker holds the first job
	if err := q.Send(context.Background(), "a", "t", nil); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if err := q.Send(context.Background(), "a", "t", nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third Send() = %v, want ErrQueueFull", err)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestQueue_detaches_request_cancellation(t *testing.T) {
	var mu sync.Mutex
	var ctxErr error
	next := DispatcherFunc(func(ctx context.Context, _, _ string, _ map[string]any) error {
		mu.Lock()
		ctxErr = ctx.Err()
		mu.Unlock()
		return nil
	})
	q := NewQueue(next, 1, 1, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Send(ctx, "a", "t", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	cancel()
	_ = q.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if ctxErr != nil {
		t.Errorf("delivery ctx.Err() = %v, want nil", ctxErr)
	}
}
