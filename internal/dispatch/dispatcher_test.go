package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

func testExecution() *engine.Execution {
	return &engine.Execution{
		ID:              "ex-1",
		OrchestrationID: "orch-1",
		Status:          engine.ExecutionCompleted,
		Output:          &engine.ExecutionOutput{Text: "final answer"},
		DurationMs:      1234,
		TokensUsed:      42,
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(SMTPConfig{}, zap.NewNop())
	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "webhook", Destination: srv.URL, Enabled: true},
	})

	if len(records) != 1 || !records[0].OK {
		t.Fatalf("records = %+v, want one successful delivery", records)
	}
	mu.Lock()
	defer mu.Unlock()
	if got["execution_id"] != "ex-1" {
		t.Errorf("payload execution_id = %v", got["execution_id"])
	}
	if got["status"] != "completed" {
		t.Errorf("payload status = %v", got["status"])
	}
}

func TestWebhookNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(SMTPConfig{}, zap.NewNop())
	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "webhook", Destination: srv.URL, Enabled: true},
	})

	if len(records) != 1 || records[0].OK {
		t.Fatalf("records = %+v, want one failed delivery", records)
	}
	if !strings.Contains(records[0].Error, "502") {
		t.Errorf("error = %q, want status code named", records[0].Error)
	}
}

func TestChatDelivery(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&msg)
		body = msg.Text
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := New(SMTPConfig{}, zap.NewNop())
	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "chat", Destination: srv.URL, Enabled: true},
	})

	if len(records) != 1 || !records[0].OK {
		t.Fatalf("records = %+v, want one successful delivery", records)
	}
	if !strings.Contains(body, "ex-1") || !strings.Contains(body, "final answer") {
		t.Errorf("chat text = %q", body)
	}
}

func TestEmailDelivery(t *testing.T) {
	d := New(SMTPConfig{Host: "mail.local", Port: 25, From: "engine@local"}, zap.NewNop())

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	d.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "email", Destination: "ops@example.com", Enabled: true},
	})

	if len(records) != 1 || !records[0].OK {
		t.Fatalf("records = %+v, want one successful delivery", records)
	}
	if gotAddr != "mail.local:25" || gotFrom != "engine@local" {
		t.Errorf("addr = %q, from = %q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(string(gotMsg), "Subject: Execution ex-1 completed") {
		t.Errorf("message = %q", gotMsg)
	}
}

func TestEmailWithoutSMTPConfigured(t *testing.T) {
	d := New(SMTPConfig{}, zap.NewNop())
	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "email", Destination: "ops@example.com", Enabled: true},
	})
	if len(records) != 1 || records[0].OK {
		t.Fatalf("records = %+v, want one failed delivery", records)
	}
}

func TestSinkFailureDoesNotBlockOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(SMTPConfig{Host: "mail.local", Port: 25, From: "engine@local"}, zap.NewNop())
	d.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("relay refused")
	}

	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "email", Destination: "ops@example.com", Enabled: true},
		{Type: "webhook", Destination: srv.URL, Enabled: true},
	})

	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].OK {
		t.Error("email delivery unexpectedly succeeded")
	}
	if !records[1].OK {
		t.Errorf("webhook delivery failed after email error: %+v", records[1])
	}
}

func TestDisabledAndUnknownSinks(t *testing.T) {
	d := New(SMTPConfig{}, zap.NewNop())
	records := d.Dispatch(context.Background(), testExecution(), []engine.SinkConfig{
		{Type: "webhook", Destination: "http://ignored.invalid", Enabled: false},
		{Type: "carrier-pigeon", Destination: "rooftop", Enabled: true},
	})

	if len(records) != 1 {
		t.Fatalf("records = %d, disabled sinks must be skipped entirely", len(records))
	}
	if records[0].OK || !strings.Contains(records[0].Error, "carrier-pigeon") {
		t.Errorf("record = %+v, want unknown sink type failure", records[0])
	}
}
