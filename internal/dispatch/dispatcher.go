// Package dispatch delivers finished executions to their configured
// output sinks. Sinks are attempted independently; one failure never
// blocks another, and every attempt is recorded.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

// SMTPConfig configures the email sink.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Dispatcher fans a terminal execution out to webhook, email and chat
// sinks.
type Dispatcher struct {
	client *http.Client
	smtp   SMTPConfig
	logger *zap.Logger

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a dispatcher.
func New(smtpCfg SMTPConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		smtp:     smtpCfg,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// Dispatch attempts every enabled sink and returns one record per
// attempt, in sink order.
func (d *Dispatcher) Dispatch(ctx context.Context, ex *engine.Execution, sinks []engine.SinkConfig) []engine.DispatchRecord {
	var records []engine.DispatchRecord
	for _, sink := range sinks {
		if !sink.Enabled {
			continue
		}

		var err error
		switch sink.Type {
		case "webhook":
			err = d.sendWebhook(ctx, sink.Destination, ex)
		case "email":
			err = d.sendEmail(sink.Destination, ex)
		case "chat":
			err = d.sendChat(ctx, sink.Destination, ex)
		default:
			err = fmt.Errorf("unknown sink type %q", sink.Type)
		}

		rec := engine.DispatchRecord{
			SinkType:    sink.Type,
			Destination: sink.Destination,
			OK:          err == nil,
			At:          time.Now(),
		}
		if err != nil {
			rec.Error = err.Error()
			d.logger.Warn("sink delivery failed",
				zap.String("execution", ex.ID),
				zap.String("sink", sink.Type),
				zap.String("destination", sink.Destination),
				zap.Error(err))
		} else {
			d.logger.Info("sink delivered",
				zap.String("execution", ex.ID),
				zap.String("sink", sink.Type))
		}
		records = append(records, rec)
	}
	return records
}

// sendWebhook POSTs the execution result as JSON.
func (d *Dispatcher) sendWebhook(ctx context.Context, url string, ex *engine.Execution) error {
	payload := map[string]any{
		"execution_id":     ex.ID,
		"orchestration_id": ex.OrchestrationID,
		"status":           ex.Status,
		"output":           ex.Output,
		"error":            ex.Error,
		"duration_ms":      ex.DurationMs,
		"tokens_used":      ex.TokensUsed,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// sendChat posts a summary to a Slack-compatible incoming webhook.
func (d *Dispatcher) sendChat(ctx context.Context, url string, ex *engine.Execution) error {
	msg := &slack.WebhookMessage{
		Text: chatText(ex),
	}
	if err := slack.PostWebhookContext(ctx, url, msg); err != nil {
		return fmt.Errorf("post chat webhook: %w", err)
	}
	return nil
}

// sendEmail sends the result through the configured SMTP relay.
func (d *Dispatcher) sendEmail(to string, ex *engine.Execution) error {
	if d.smtp.Host == "" {
		return fmt.Errorf("email sink not configured")
	}

	var auth smtp.Auth
	if d.smtp.Username != "" {
		auth = smtp.PlainAuth("", d.smtp.Username, d.smtp.Password, d.smtp.Host)
	}

	subject := fmt.Sprintf("Execution %s %s", ex.ID, ex.Status)
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n", d.smtp.From, to, subject)
	body.WriteString(chatText(ex))

	addr := fmt.Sprintf("%s:%d", d.smtp.Host, d.smtp.Port)
	if err := d.sendMail(addr, auth, d.smtp.From, []string{to}, []byte(body.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func chatText(ex *engine.Execution) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Execution %s finished: %s (%dms, %d tokens)\n",
		ex.ID, ex.Status, ex.DurationMs, ex.TokensUsed)
	if ex.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", ex.Error)
	}
	if ex.Output != nil && ex.Output.Text != "" {
		sb.WriteString("\n")
		sb.WriteString(ex.Output.Text)
	}
	return sb.String()
}
