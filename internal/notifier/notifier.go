// Package notifier delivers outbound HTTP webhooks on job-terminal and
// agent-offline events. Configuration is a single static URL/secret pair
// supplied at startup rather than the teacher's per-tenant settings table,
// since this controller has no settings model to back one.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds the static webhook destination. A zero-value Config (empty
// URL) makes Notifier a no-op, so wiring one in is always safe even when
// no ops webhook has been configured.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// event is the JSON body POSTed to the configured URL. The "text" field
// mirrors the Slack/Discord incoming-webhook convention so the same URL
// can point straight at a chat channel without an adapter.
type event struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Notifier posts outbound notifications. The zero value is not usable;
// construct with New.
type Notifier struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

// New returns a Notifier bound to cfg. JobTerminal and AgentOffline are
// no-ops whenever cfg.URL is empty.
func New(cfg Config, log *zap.Logger) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// JobTerminal notifies that jobID reached a terminal status.
func (n *Notifier) JobTerminal(ctx context.Context, jobID, repo, host, status string) {
	n.send(ctx, "job.terminal", fmt.Sprintf("job %s (%s on %s) finished: %s", jobID, repo, host, status), map[string]any{
		"job_id": jobID,
		"repo":   repo,
		"host":   host,
		"status": status,
	})
}

// AgentOffline notifies that an agent crossed the offline threshold.
func (n *Notifier) AgentOffline(ctx context.Context, agentID, hostname string) {
	n.send(ctx, "agent.offline", fmt.Sprintf("agent %s (%s) went offline", agentID, hostname), map[string]any{
		"agent_id": agentID,
		"hostname": hostname,
	})
}

// send builds and delivers an event. Failures are logged, never returned:
// a notification delivery problem must not fail the operation that
// triggered it.
func (n *Notifier) send(ctx context.Context, typ, title string, payload map[string]any) {
	if n.cfg.URL == "" {
		return
	}
	if err := n.post(ctx, typ, title, payload); err != nil {
		n.log.Warn("notifier: delivery failed", zap.String("type", typ), zap.Error(err))
	}
}

func (n *Notifier) post(ctx context.Context, typ, title string, payload map[string]any) error {
	data, err := json.Marshal(event{
		Type:      typ,
		Title:     title,
		Body:      title,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "deploybot-notifier/1.0")
	if n.cfg.Secret != "" {
		req.Header.Set("X-DeployBot-Signature", "sha256="+sign(data, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
