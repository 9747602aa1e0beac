package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MaxIdempotencyKeyLength bounds caller-supplied idempotency tokens.
const MaxIdempotencyKeyLength = 128

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	// IdempotencyStatusStarted marks a claimed, in-flight command.
	IdempotencyStatusStarted IdempotencyStatus = "STARTED"
	// IdempotencyStatusCompleted marks a command whose response is cached.
	IdempotencyStatusCompleted IdempotencyStatus = "COMPLETED"
	// IdempotencyStatusFailed marks a command that may be retried.
	IdempotencyStatusFailed IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is the durable record of one (tenant, scope, key) command.
type IdempotencyRecord struct {
	ID              int64             `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Scope           string            `json:"scope"`
	Key             string            `json:"key"`
	Status          IdempotencyStatus `json:"status"`
	ResponsePayload []byte            `json:"response_payload,omitempty"`
	ResponseHash    string            `json:"response_hash,omitempty"`
	LastError       *string           `json:"last_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IdempotencyKey identifies a command.
type IdempotencyKey struct {
	TenantID string
	Scope    string
	Key      string
}

// Validate validates the key parts.
func (k IdempotencyKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}

	if strings.TrimSpace(k.Scope) == "" {
		return fmt.Errorf("%w: idempotency scope is required", ErrInvalidArgument)
	}

	if strings.TrimSpace(k.Key) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidArgument)
	}

	if len(k.Key) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key longer than %d characters", ErrInvalidArgument, MaxIdempotencyKeyLength)
	}

	return nil
}

// ClaimResult reports the outcome of an atomic claim attempt.
// When Claimed is false, Record holds the existing row.
type ClaimResult struct {
	Claimed bool
	Record  *IdempotencyRecord
}

// HashPayload returns the hex sha256 digest stored alongside cached responses.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
