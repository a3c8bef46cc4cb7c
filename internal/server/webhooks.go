package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"orgline/internal/config"
	"orgline/internal/domain"
	"orgline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	repo     repo.Repo
	org      string
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(r repo.Repo, cfg *config.Config, logger *slog.Logger) *webhookDispatcher {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		repo:     r,
		org:      cfg.Org.ID,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

// StartWebhookDispatcher pushes new audit entries to the configured webhooks until
// ctx is done. Each webhook starts at the newest entry present when it first runs.
func StartWebhookDispatcher(ctx context.Context, r repo.Repo, cfg *config.Config, logger *slog.Logger) {
	d := newWebhookDispatcher(r, cfg, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.repo.ListAudit(ctx, repo.AuditFilter{AfterID: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		d.logger.Warn("fetch audit entries failed", "error", err)
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, e := range entries {
		if !filter.match(e.Action) {
			d.setCursor(idx, e.ID)
			continue
		}
		if err := d.post(ctx, hook, e); err != nil {
			d.logger.Warn("webhook delivery failed", "url", hook.URL, "audit_id", e.ID, "error", err)
			return
		}
		d.setCursor(idx, e.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestAuditID(ctx)
	if err != nil {
		d.logger.Warn("init webhook cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookPayload struct {
	Org   string             `json:"org"`
	Entry AuditEntryResponse `json:"entry"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, e domain.AuditEntry) error {
	data, err := json.Marshal(webhookPayload{Org: d.org, Entry: auditEntryResponse(e)})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orgline-Action", e.Action)
	req.Header.Set("X-Orgline-Delivery", fmt.Sprintf("%d", e.ID))
	req.Header.Set("X-Orgline-Org", d.org)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Orgline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if key := strings.TrimSpace(a); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
