// Package core defines the domain types and interfaces shared by the speech routing service.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
}

// SpeechBackend turns sanitized text into playable audio.
// Premium and fallback implementations are interchangeable behind it.
type SpeechBackend interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error)
}

// UsageLedger is the authoritative premium character counter.
// CheckAndReserve must check and increment in one atomic store operation and
// must leave usage untouched when it denies.
type UsageLedger interface {
	CheckAndReserve(ctx context.Context, studentID string, characters int) (Reservation, error)
}

// SubscriptionReader fetches the current subscription of a student.
type SubscriptionReader interface {
	Subscription(ctx context.Context, studentID string) (*Subscription, error)
}

// SubscriptionStore owns subscriptions and upgrade requests.
type SubscriptionStore interface {
	UsageLedger
	SubscriptionReader

	EnsureStudent(ctx context.Context, studentID string, limit int) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	CreateUpgradeRequest(ctx context.Context, req UpgradeRequest) (*UpgradeRequest, error)
	UpgradeRequest(ctx context.Context, requestID string) (*UpgradeRequest, error)
	ApproveUpgrade(ctx context.Context, requestID string, start, end time.Time, limit int) (*Subscription, error)
	RejectUpgrade(ctx context.Context, requestID, reason string, at time.Time) (*UpgradeRequest, error)

	BlockStudent(ctx context.Context, studentID string, at time.Time) (*Subscription, error)
	UnblockStudent(ctx context.Context, studentID string) (*Subscription, error)
	CancelPro(ctx context.Context, studentID string) (*Subscription, error)
	ResetUsage(ctx context.Context, studentID string) (*Subscription, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
}
