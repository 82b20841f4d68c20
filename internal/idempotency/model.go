// Package idempotency stores the responses of completed submissions so a
// client retrying with the same Idempotency-Key gets the original response
// instead of a second verification attempt.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// StatusCompleted marks a record whose response has been stored.
const StatusCompleted = "completed"

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or contains
	// characters outside printable ASCII.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a stored response can be replayed.
const DefaultExpiry = 24 * time.Hour

// Record is a stored response. Keys are scoped to the identity that
// submitted them, so two identities may reuse the same key.
type Record struct {
	Scope              string    `json:"scope" cbor:"scope"`
	Key                string    `json:"key" cbor:"key"`
	Method             string    `json:"method" cbor:"method"`
	Route              string    `json:"route" cbor:"route"`
	CreatedAt          time.Time `json:"created_at" cbor:"created_at"`
	ResponseHash       string    `json:"response_hash" cbor:"response_hash"`
	Status             string    `json:"status" cbor:"status"`
	ResponseBody       string    `json:"response_body" cbor:"response_body"`
	ResponseStatusCode int       `json:"response_status_code" cbor:"response_status_code"`
}

// Intact reports whether the stored body still matches its hash.
func (r *Record) Intact() bool {
	return r.ResponseHash == ComputeResponseHash(r.ResponseBody)
}

// ValidateKey checks if an idempotency key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// ComputeResponseHash computes a SHA256 hash of the response body.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Repository persists idempotency records.
type Repository interface {
	// Get returns ErrKeyNotFound if scope has no record for key.
	Get(ctx context.Context, scope, key string) (*Record, error)

	// Store returns ErrKeyExists if scope already has a record for the key.
	Store(ctx context.Context, record *Record) error
}

// Expirer is implemented by repositories that need periodic cleanup.
// Redis-backed records expire on their own.
type Expirer interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
