package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
)

// Webhook request headers.
const (
	HeaderSignature      = "X-Tenantkit-Signature"
	HeaderTimestamp      = "X-Tenantkit-Timestamp"
	HeaderEventType      = "X-Tenantkit-Event-Type"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const maxErrorBodySnippet = 500

// EndpointLookup loads a tenant's webhook endpoint, or nil when it does not exist.
type EndpointLookup interface {
	FindUnique(ctx context.Context, tc model.TenantContext, id string) (*model.WebhookEndpoint, error)
}

// WebhookHandler posts webhook.dispatch events to merchant endpoints.
// Deliveries to a registered endpoint are signed with that endpoint's secret;
// ad hoc URLs use the tenant key derived from the master secret.
type WebhookHandler struct {
	client    *http.Client
	secret    []byte
	endpoints EndpointLookup
	clock     clock.Clock
}

// NewWebhookHandler creates a WebhookHandler. endpoints may be nil when no
// endpoint registry is available.
func NewWebhookHandler(client *http.Client, secret string, endpoints EndpointLookup, clk clock.Clock) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &WebhookHandler{client: client, secret: []byte(secret), endpoints: endpoints, clock: clk}
}

// TenantSecret returns the hex signing key of tenantID. Merchants receive it out of band.
func TenantSecret(masterSecret []byte, tenantID string) string {
	mac := hmac.New(sha256.New, masterSecret)
	mac.Write([]byte(tenantID))

	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Handle implements service.EventHandler. Any non-2xx response is a failure.
func (h *WebhookHandler) Handle(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error {
	hook, ok := payload.(*model.WebhookDispatchEvent)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T", model.ErrInvalidArgument, payload)
	}

	secret, ok, err := h.signingSecret(ctx, event.TenantID, hook.EndpointID)
	if err != nil {
		return err
	}

	if !ok {
		slog.Warn("webhook endpoint removed, dropping delivery",
			slog.String("tenant_id", event.TenantID),
			slog.String("event_id", event.ID.String()),
			slog.String("endpoint_id", hook.EndpointID),
		)

		return nil
	}

	timestamp := strconv.FormatInt(h.clock.Now().UnixMilli(), 10)
	signature := Sign(secret, timestamp, hook.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(hook.Body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderEventType, hook.EventName)
	req.Header.Set(HeaderIdempotencyKey, event.ID.String())

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySnippet))
		return fmt.Errorf("webhook endpoint responded %d: %s", resp.StatusCode, snippet)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// signingSecret reports false when the delivery targets an endpoint that no
// longer exists or was deactivated.
func (h *WebhookHandler) signingSecret(ctx context.Context, tenantID, endpointID string) (string, bool, error) {
	if endpointID == "" || h.endpoints == nil {
		return TenantSecret(h.secret, tenantID), true, nil
	}

	tc, err := model.SystemContext(tenantID)
	if err != nil {
		return "", false, err
	}

	endpoint, err := h.endpoints.FindUnique(ctx, tc, endpointID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load webhook endpoint: %w", err)
	}

	if endpoint == nil || !endpoint.Active {
		return "", false, nil
	}

	return endpoint.Secret, true, nil
}
