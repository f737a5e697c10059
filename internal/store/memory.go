// Package store persists subscriptions and upgrade requests and implements
// the usage ledger on top of them.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/plan"
)

// Memory is an in-process SubscriptionStore. A single mutex makes every
// operation, CheckAndReserve included, atomic.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[string]*core.Subscription
	requests      map[string]*core.UpgradeRequest
	now           func() time.Time
}

var _ core.SubscriptionStore = (*Memory)(nil)

// NewMemory creates an empty Memory store. A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}

	return &Memory{
		mu:            sync.Mutex{},
		subscriptions: make(map[string]*core.Subscription),
		requests:      make(map[string]*core.UpgradeRequest),
		now:           now,
	}
}

// Put inserts or replaces a subscription as is. It exists for seeding.
func (m *Memory) Put(sub core.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := sub
	m.subscriptions[sub.StudentID] = &stored
}

// CheckAndReserve grants and records characters only when the subscription
// is an active, unexpired pro plan with enough quota left.
func (m *Memory) CheckAndReserve(_ context.Context, studentID string, characters int) (core.Reservation, error) {
	if characters <= 0 {
		return core.Reservation{}, core.ErrInvalidCharCount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		return core.Reservation{}, core.ErrStudentNotFound
	}

	now := m.now()

	reason := plan.Evaluate(*sub, now).DenialReason(characters)
	if reason != core.ReasonNone {
		return core.Reservation{
			Granted: false,
			Used:    sub.CharactersUsed,
			Limit:   sub.CharactersLimit,
			Reason:  reason,
		}, nil
	}

	sub.CharactersUsed += characters
	sub.UpdatedAt = now

	return core.Reservation{
		Granted: true,
		Used:    sub.CharactersUsed,
		Limit:   sub.CharactersLimit,
		Reason:  core.ReasonNone,
	}, nil
}

// Subscription returns a copy of the student's subscription.
func (m *Memory) Subscription(_ context.Context, studentID string) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	copied := *sub

	return &copied, nil
}

// EnsureStudent creates a basic subscription if the student has none.
func (m *Memory) EnsureStudent(_ context.Context, studentID string, limit int) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		sub = &core.Subscription{
			StudentID:       studentID,
			Plan:            core.PlanBasic,
			Active:          false,
			Blocked:         false,
			StartedAt:       nil,
			EndsAt:          nil,
			CharactersUsed:  0,
			CharactersLimit: limit,
			UpdatedAt:       m.now(),
		}
		m.subscriptions[studentID] = sub
	}

	copied := *sub

	return &copied, nil
}

// ListSubscriptions returns all subscriptions ordered by student id.
func (m *Memory) ListSubscriptions(_ context.Context) ([]core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, *sub)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })

	return out, nil
}

// CreateUpgradeRequest stores a new pending request.
func (m *Memory) CreateUpgradeRequest(_ context.Context, req core.UpgradeRequest) (*core.UpgradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[req.StudentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	err := checkUpgradeAllowed(*sub, m.now())
	if err != nil {
		return nil, err
	}

	for _, existing := range m.requests {
		if existing.StudentID == req.StudentID && existing.Status == core.UpgradePending {
			return nil, core.ErrPendingUpgradeExists
		}
	}

	stored := req
	stored.Status = core.UpgradePending
	m.requests[req.ID] = &stored

	copied := stored

	return &copied, nil
}

// UpgradeRequest returns a copy of the request.
func (m *Memory) UpgradeRequest(_ context.Context, requestID string) (*core.UpgradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, core.ErrUpgradeNotFound
	}

	copied := *req

	return &copied, nil
}

// ApproveUpgrade moves the student to pro for [start, end) with usage reset.
func (m *Memory) ApproveUpgrade(
	_ context.Context,
	requestID string,
	start, end time.Time,
	limit int,
) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.pendingLocked(requestID)
	if err != nil {
		return nil, err
	}

	sub, ok := m.subscriptions[req.StudentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	processed := start
	req.Status = core.UpgradeApproved
	req.ProcessedAt = &processed

	startedAt, endsAt := start, end
	sub.Plan = core.PlanPro
	sub.Active = true
	sub.Blocked = false
	sub.StartedAt = &startedAt
	sub.EndsAt = &endsAt
	sub.CharactersUsed = 0
	sub.CharactersLimit = limit
	sub.UpdatedAt = start

	copied := *sub

	return &copied, nil
}

// RejectUpgrade closes a pending request with a reason.
func (m *Memory) RejectUpgrade(_ context.Context, requestID, reason string, at time.Time) (*core.UpgradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.pendingLocked(requestID)
	if err != nil {
		return nil, err
	}

	processed := at
	req.Status = core.UpgradeRejected
	req.ProcessedAt = &processed
	req.RejectionReason = reason

	copied := *req

	return &copied, nil
}

// BlockStudent forces basic and marks any pending request blocked.
func (m *Memory) BlockStudent(_ context.Context, studentID string, at time.Time) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	revokeLocked(sub, at)
	sub.Blocked = true

	for _, req := range m.requests {
		if req.StudentID == studentID && req.Status == core.UpgradePending {
			processed := at
			req.Status = core.UpgradeBlocked
			req.ProcessedAt = &processed
		}
	}

	copied := *sub

	return &copied, nil
}

// UnblockStudent clears the blocked flag. The plan stays basic; blocked
// requests stay blocked.
func (m *Memory) UnblockStudent(_ context.Context, studentID string) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	sub.Blocked = false
	sub.UpdatedAt = m.now()

	copied := *sub

	return &copied, nil
}

// CancelPro forces the student back to basic.
func (m *Memory) CancelPro(_ context.Context, studentID string) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	revokeLocked(sub, m.now())

	copied := *sub

	return &copied, nil
}

// ResetUsage zeroes the character counter of the current cycle.
func (m *Memory) ResetUsage(_ context.Context, studentID string) (*core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[studentID]
	if !ok {
		return nil, core.ErrStudentNotFound
	}

	sub.CharactersUsed = 0
	sub.UpdatedAt = m.now()

	copied := *sub

	return &copied, nil
}

// ExpireDue reverts every pro subscription whose term ended at or before now
// and returns the affected students.
func (m *Memory) ExpireDue(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make([]string, 0)

	for studentID, sub := range m.subscriptions {
		if sub.Plan != core.PlanPro || sub.EndsAt == nil || sub.EndsAt.After(now) {
			continue
		}

		revokeLocked(sub, now)

		expired = append(expired, studentID)
	}

	sort.Strings(expired)

	return expired, nil
}

func (m *Memory) pendingLocked(requestID string) (*core.UpgradeRequest, error) {
	req, ok := m.requests[requestID]
	if !ok {
		return nil, core.ErrUpgradeNotFound
	}

	if req.Status != core.UpgradePending {
		return nil, core.ErrUpgradeNotPending
	}

	return req, nil
}

// revokeLocked writes the canonical basic representation.
func revokeLocked(sub *core.Subscription, at time.Time) {
	sub.Plan = core.PlanBasic
	sub.Active = false
	sub.EndsAt = nil
	sub.UpdatedAt = at
}

// checkUpgradeAllowed rejects upgrade requests from blocked students and
// from students who already hold a usable pro plan.
func checkUpgradeAllowed(sub core.Subscription, now time.Time) error {
	status := plan.Evaluate(sub, now)

	switch status.Kind {
	case plan.KindBlocked:
		return core.ErrStudentBlocked
	case plan.KindProActive, plan.KindProQuotaExhausted:
		return core.ErrAlreadyPro
	default:
		return nil
	}
}
