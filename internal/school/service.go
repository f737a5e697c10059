// Package school implements the operator actions on subscriptions: upgrade
// approval and rejection, blocking, cancellation, usage reset and the
// periodic expiry sweep.
package school

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/google/uuid"
)

// DefaultTerm is the length of a pro subscription cycle.
const DefaultTerm = 30 * 24 * time.Hour

const (
	logFmtUpgradeRequested = "Upgrade request %s created for student %s"
	logFmtUpgradeApproved  = "Upgrade request %s approved, student %s is pro until %s"
	logFmtUpgradeRejected  = "Upgrade request %s rejected: %s"
	logFmtStudentBlocked   = "Student %s blocked"
	logFmtStudentUnblocked = "Student %s unblocked"
	logFmtProCancelled     = "Pro plan of student %s cancelled"
	logFmtUsageReset       = "Usage of student %s reset"
	logFmtExpired          = "Expired %d pro subscriptions: %v"
	logFmtSweepFailed      = "Expiry sweep failed: %v"
)

// Invalidator is told when a student's entitlement changed so cached plan
// hints can be dropped.
type Invalidator interface {
	Invalidate(studentID string) int
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Term        time.Duration
	ProLimit    int
	BasicLimit  int
	Invalidator Invalidator
	Now         func() time.Time
}

// Service applies operator actions to a SubscriptionStore.
type Service struct {
	store       core.SubscriptionStore
	log         *logger.Logger
	term        time.Duration
	proLimit    int
	basicLimit  int
	invalidator Invalidator
	now         func() time.Time
}

// NewService creates a Service.
func NewService(store core.SubscriptionStore, log *logger.Logger, opts Options) *Service {
	if opts.Term <= 0 {
		opts.Term = DefaultTerm
	}

	if opts.ProLimit <= 0 {
		opts.ProLimit = core.DefaultCharactersLimit
	}

	if opts.BasicLimit <= 0 {
		opts.BasicLimit = core.DefaultCharactersLimit
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:       store,
		log:         log,
		term:        opts.Term,
		proLimit:    opts.ProLimit,
		basicLimit:  opts.BasicLimit,
		invalidator: opts.Invalidator,
		now:         opts.Now,
	}
}

// RegisterStudent makes sure the student has a subscription row.
func (s *Service) RegisterStudent(ctx context.Context, studentID string) (*core.Subscription, error) {
	sub, err := s.store.EnsureStudent(ctx, studentID, s.basicLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to register student %s: %w", studentID, err)
	}

	return sub, nil
}

// RequestUpgrade files a pending upgrade request for the student.
func (s *Service) RequestUpgrade(ctx context.Context, studentID string) (*core.UpgradeRequest, error) {
	_, err := s.RegisterStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	req, err := s.store.CreateUpgradeRequest(ctx, core.UpgradeRequest{
		ID:              uuid.NewString(),
		StudentID:       studentID,
		Status:          core.UpgradePending,
		RequestedAt:     s.now(),
		ProcessedAt:     nil,
		RejectionReason: "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request upgrade for %s: %w", studentID, err)
	}

	s.log.Info(logFmtUpgradeRequested, req.ID, studentID)

	return req, nil
}

// ApproveUpgrade moves the requesting student to pro for one term starting
// now, with usage reset and the pro limit.
func (s *Service) ApproveUpgrade(ctx context.Context, requestID string) (*core.Subscription, error) {
	start := s.now()
	end := start.Add(s.term)

	sub, err := s.store.ApproveUpgrade(ctx, requestID, start, end, s.proLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to approve upgrade %s: %w", requestID, err)
	}

	s.log.Info(logFmtUpgradeApproved, requestID, sub.StudentID, end.Format(time.RFC3339))
	s.invalidate(sub.StudentID)

	return sub, nil
}

// RejectUpgrade closes a pending request with reason.
func (s *Service) RejectUpgrade(ctx context.Context, requestID, reason string) (*core.UpgradeRequest, error) {
	req, err := s.store.RejectUpgrade(ctx, requestID, reason, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to reject upgrade %s: %w", requestID, err)
	}

	s.log.Info(logFmtUpgradeRejected, requestID, reason)

	return req, nil
}

// BlockStudent forces basic, marks pending requests blocked and revokes
// cached entitlements.
func (s *Service) BlockStudent(ctx context.Context, studentID string) (*core.Subscription, error) {
	sub, err := s.store.BlockStudent(ctx, studentID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to block student %s: %w", studentID, err)
	}

	s.log.Warn(logFmtStudentBlocked, studentID)
	s.invalidate(studentID)

	return sub, nil
}

// UnblockStudent lets a blocked student request upgrades again. It does not
// restore pro; that takes a new approved request.
func (s *Service) UnblockStudent(ctx context.Context, studentID string) (*core.Subscription, error) {
	sub, err := s.store.UnblockStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to unblock student %s: %w", studentID, err)
	}

	s.log.Info(logFmtStudentUnblocked, studentID)
	s.invalidate(studentID)

	return sub, nil
}

// CancelPro forces the student back to basic.
func (s *Service) CancelPro(ctx context.Context, studentID string) (*core.Subscription, error) {
	sub, err := s.store.CancelPro(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel pro for %s: %w", studentID, err)
	}

	s.log.Info(logFmtProCancelled, studentID)
	s.invalidate(studentID)

	return sub, nil
}

// ResetUsage zeroes the student's character counter.
func (s *Service) ResetUsage(ctx context.Context, studentID string) (*core.Subscription, error) {
	sub, err := s.store.ResetUsage(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset usage for %s: %w", studentID, err)
	}

	s.log.Info(logFmtUsageReset, studentID)
	s.invalidate(studentID)

	return sub, nil
}

// ExpireDue reverts every pro subscription whose term has ended.
func (s *Service) ExpireDue(ctx context.Context) ([]string, error) {
	expired, err := s.store.ExpireDue(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}

	if len(expired) > 0 {
		s.log.Info(logFmtExpired, len(expired), expired)
	}

	for _, studentID := range expired {
		s.invalidate(studentID)
	}

	return expired, nil
}

// RunExpirySweep calls ExpireDue every interval until ctx is done.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.ExpireDue(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error(logFmtSweepFailed, err)
			}
		}
	}
}

// Subscriptions lists every subscription.
func (s *Service) Subscriptions(ctx context.Context) ([]core.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return subs, nil
}

func (s *Service) invalidate(studentID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(studentID)
	}
}
