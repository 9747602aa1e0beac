package model

import (
	"fmt"
	"strings"
	"time"
)

// RateLimitCounter is one fixed-window counter row.
type RateLimitCounter struct {
	TenantID string    `json:"tenant_id"`
	RouteKey string    `json:"route_key"`
	ActorID  string    `json:"actor_id"`
	Points   int       `json:"points"`
	ExpireAt time.Time `json:"expire_at"`
}

// CounterKey identifies a counter.
type CounterKey struct {
	TenantID string
	RouteKey string
	ActorID  string
}

// String renders the key for logs and key-value stores.
func (k CounterKey) String() string {
	return k.TenantID + ":" + k.RouteKey + ":" + k.ActorID
}

// RatePolicy describes the limit applied at one call site.
type RatePolicy struct {
	RouteKey string
	Limit    int
	Window   time.Duration
	// FailClosed rejects the action when the counter store is unavailable.
	FailClosed bool
}

// Validate validates the policy.
func (p RatePolicy) Validate() error {
	if strings.TrimSpace(p.RouteKey) == "" {
		return fmt.Errorf("%w: route key is required", ErrInvalidArgument)
	}

	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)
	}

	if p.Window < time.Second {
		return fmt.Errorf("%w: window must be at least one second", ErrInvalidArgument)
	}

	return nil
}

// Security-sensitive routes fail closed.
var (
	PolicyExportCreate = RatePolicy{RouteKey: "export_create", Limit: 5, Window: 10 * time.Minute, FailClosed: true}
	PolicyPayout       = RatePolicy{RouteKey: "payout_request", Limit: 3, Window: time.Hour, FailClosed: true}
	PolicyExportList   = RatePolicy{RouteKey: "export_list", Limit: 120, Window: time.Minute, FailClosed: false}
	PolicyWhatsAppSend = RatePolicy{RouteKey: "whatsapp_send", Limit: 30, Window: time.Minute, FailClosed: false}
)
