package plan

import (
	"context"
	"errors"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
)

const (
	logFmtResolveFailed  = "Plan resolve for student %s failed, using basic: %v"
	logFmtStudentMissing = "Plan resolve: student %s has no subscription, using basic"
)

// Resolver loads a subscription and evaluates it. It never returns an error:
// a missing row yields Unregistered and any other failure SafeDefault.
type Resolver struct {
	reader core.SubscriptionReader
	log    *logger.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver. A nil now uses time.Now.
func NewResolver(reader core.SubscriptionReader, log *logger.Logger, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}

	return &Resolver{
		reader: reader,
		log:    log,
		now:    now,
	}
}

// Resolve returns the current plan status of studentID.
func (r *Resolver) Resolve(ctx context.Context, studentID string) Status {
	if studentID == "" {
		return SafeDefault(studentID)
	}

	sub, err := r.reader.Subscription(ctx, studentID)
	if err != nil {
		if errors.Is(err, core.ErrStudentNotFound) {
			r.log.Warn(logFmtStudentMissing, studentID)

			return Unregistered(studentID, r.now())
		}

		r.log.Error(logFmtResolveFailed, studentID, err)

		return SafeDefault(studentID)
	}

	return Evaluate(*sub, r.now())
}
