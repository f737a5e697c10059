package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/plan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const subscriptionColumns = `student_id, plan, active, blocked, started_at, ends_at,
	characters_used, characters_limit, updated_at`

const upgradeColumns = `id::text, student_id, status, requested_at, processed_at, rejection_reason`

// reserveQuery is the whole ledger decision in one row-locking statement:
// either every condition holds and the counter moves, or nothing changes.
const reserveQuery = `
UPDATE subscriptions
SET characters_used = characters_used + $2,
    updated_at = $3
WHERE student_id = $1
  AND plan = 'pro'
  AND active
  AND NOT blocked
  AND (ends_at IS NULL OR ends_at > $3)
  AND characters_used + $2 <= characters_limit
RETURNING characters_used, characters_limit`

const revokeAssignments = `plan = 'basic', active = FALSE, ends_at = NULL`

// Postgres is the production SubscriptionStore backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ core.SubscriptionStore = (*Postgres)(nil)

// NewPostgres creates a Postgres store. A nil now uses time.Now.
func NewPostgres(pool *pgxpool.Pool, now func() time.Time) *Postgres {
	if now == nil {
		now = time.Now
	}

	return &Postgres{pool: pool, now: now}
}

// CheckAndReserve atomically checks entitlement and increments usage.
// A denial is classified with a read-only follow-up query.
func (p *Postgres) CheckAndReserve(ctx context.Context, studentID string, characters int) (core.Reservation, error) {
	if characters <= 0 {
		return core.Reservation{}, core.ErrInvalidCharCount
	}

	now := p.now()

	var used, limit int

	err := p.pool.QueryRow(ctx, reserveQuery, studentID, characters, now).Scan(&used, &limit)
	if err == nil {
		return core.Reservation{Granted: true, Used: used, Limit: limit, Reason: core.ReasonNone}, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return core.Reservation{}, fmt.Errorf("failed to reserve %d characters for %s: %w", characters, studentID, err)
	}

	sub, err := p.Subscription(ctx, studentID)
	if err != nil {
		return core.Reservation{}, err
	}

	reason := plan.Evaluate(*sub, now).DenialReason(characters)
	if reason == core.ReasonNone {
		// The row changed between the two statements; whatever moved it
		// consumed the quota this request needed.
		reason = core.ReasonQuotaExhausted
	}

	return core.Reservation{
		Granted: false,
		Used:    sub.CharactersUsed,
		Limit:   sub.CharactersLimit,
		Reason:  reason,
	}, nil
}

// Subscription returns the student's subscription.
func (p *Postgres) Subscription(ctx context.Context, studentID string) (*core.Subscription, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE student_id = $1`, studentID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrStudentNotFound
		}

		return nil, fmt.Errorf("failed to load subscription for %s: %w", studentID, err)
	}

	return sub, nil
}

// EnsureStudent creates a basic subscription if none exists and returns the
// stored row either way.
func (p *Postgres) EnsureStudent(ctx context.Context, studentID string, limit int) (*core.Subscription, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (student_id, plan, active, characters_limit, updated_at)
		VALUES ($1, 'basic', FALSE, $2, $3)
		ON CONFLICT (student_id)
		DO UPDATE SET student_id = EXCLUDED.student_id
		RETURNING `+subscriptionColumns, studentID, limit, p.now())

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure subscription for %s: %w", studentID, err)
	}

	return sub, nil
}

// ListSubscriptions returns every subscription ordered by student id.
func (p *Postgres) ListSubscriptions(ctx context.Context) ([]core.Subscription, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY student_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []core.Subscription

	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", scanErr)
		}

		out = append(out, *sub)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}

	return out, nil
}

// CreateUpgradeRequest inserts a pending request; the partial unique index
// guarantees at most one pending request per student.
func (p *Postgres) CreateUpgradeRequest(ctx context.Context, req core.UpgradeRequest) (*core.UpgradeRequest, error) {
	var created *core.UpgradeRequest

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE student_id = $1 FOR UPDATE`, req.StudentID)

		sub, err := scanSubscription(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return core.ErrStudentNotFound
			}

			return fmt.Errorf("failed to lock subscription: %w", err)
		}

		err = checkUpgradeAllowed(*sub, p.now())
		if err != nil {
			return err
		}

		row = tx.QueryRow(ctx, `
			INSERT INTO upgrade_requests (id, student_id, status, requested_at)
			VALUES ($1, $2, 'pending', $3)
			RETURNING `+upgradeColumns, req.ID, req.StudentID, req.RequestedAt)

		created, err = scanUpgrade(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return core.ErrPendingUpgradeExists
			}

			return fmt.Errorf("failed to insert upgrade request: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// UpgradeRequest returns one request by id.
func (p *Postgres) UpgradeRequest(ctx context.Context, requestID string) (*core.UpgradeRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+upgradeColumns+` FROM upgrade_requests WHERE id = $1`, requestID)

	req, err := scanUpgrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrUpgradeNotFound
		}

		return nil, fmt.Errorf("failed to load upgrade request %s: %w", requestID, err)
	}

	return req, nil
}

// ApproveUpgrade closes the request and starts a fresh pro cycle in one
// transaction.
func (p *Postgres) ApproveUpgrade(
	ctx context.Context,
	requestID string,
	start, end time.Time,
	limit int,
) (*core.Subscription, error) {
	var approved *core.Subscription

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		studentID, err := closePending(ctx, tx, requestID, core.UpgradeApproved, "", start)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE subscriptions
			SET plan = 'pro', active = TRUE, blocked = FALSE,
			    started_at = $2, ends_at = $3,
			    characters_used = 0, characters_limit = $4,
			    updated_at = $2
			WHERE student_id = $1
			RETURNING `+subscriptionColumns, studentID, start, end, limit)

		approved, err = scanSubscription(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return core.ErrStudentNotFound
			}

			return fmt.Errorf("failed to upgrade subscription: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return approved, nil
}

// RejectUpgrade closes a pending request with a reason.
func (p *Postgres) RejectUpgrade(ctx context.Context, requestID, reason string, at time.Time) (*core.UpgradeRequest, error) {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := closePending(ctx, tx, requestID, core.UpgradeRejected, reason, at)

		return err
	})
	if err != nil {
		return nil, err
	}

	return p.UpgradeRequest(ctx, requestID)
}

// BlockStudent forces basic, flags the student and blocks pending requests.
func (p *Postgres) BlockStudent(ctx context.Context, studentID string, at time.Time) (*core.Subscription, error) {
	var blocked *core.Subscription

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE subscriptions
			SET `+revokeAssignments+`, blocked = TRUE, updated_at = $2
			WHERE student_id = $1
			RETURNING `+subscriptionColumns, studentID, at)

		var err error

		blocked, err = scanSubscription(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return core.ErrStudentNotFound
			}

			return fmt.Errorf("failed to block subscription: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE upgrade_requests
			SET status = 'blocked', processed_at = $2
			WHERE student_id = $1 AND status = 'pending'`, studentID, at)
		if err != nil {
			return fmt.Errorf("failed to block pending upgrade requests: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return blocked, nil
}

// UnblockStudent clears the blocked flag.
func (p *Postgres) UnblockStudent(ctx context.Context, studentID string) (*core.Subscription, error) {
	return p.updateOne(ctx, studentID,
		`UPDATE subscriptions SET blocked = FALSE, updated_at = $2 WHERE student_id = $1 RETURNING `+subscriptionColumns)
}

// CancelPro forces the student back to basic.
func (p *Postgres) CancelPro(ctx context.Context, studentID string) (*core.Subscription, error) {
	return p.updateOne(ctx, studentID,
		`UPDATE subscriptions SET `+revokeAssignments+`, updated_at = $2 WHERE student_id = $1 RETURNING `+subscriptionColumns)
}

// ResetUsage zeroes the character counter.
func (p *Postgres) ResetUsage(ctx context.Context, studentID string) (*core.Subscription, error) {
	return p.updateOne(ctx, studentID,
		`UPDATE subscriptions SET characters_used = 0, updated_at = $2 WHERE student_id = $1 RETURNING `+subscriptionColumns)
}

// ExpireDue reverts pro subscriptions whose term has ended.
func (p *Postgres) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE subscriptions
		SET `+revokeAssignments+`, updated_at = $1
		WHERE plan = 'pro' AND ends_at IS NOT NULL AND ends_at <= $1
		RETURNING student_id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}

	expired, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired subscriptions: %w", err)
	}

	return expired, nil
}

func (p *Postgres) updateOne(ctx context.Context, studentID, query string) (*core.Subscription, error) {
	sub, err := scanSubscription(p.pool.QueryRow(ctx, query, studentID, p.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrStudentNotFound
		}

		return nil, fmt.Errorf("failed to update subscription for %s: %w", studentID, err)
	}

	return sub, nil
}

// closePending moves a pending request to status and returns its student.
func closePending(
	ctx context.Context,
	tx pgx.Tx,
	requestID string,
	status core.UpgradeStatus,
	reason string,
	at time.Time,
) (string, error) {
	var studentID string

	err := tx.QueryRow(ctx, `
		UPDATE upgrade_requests
		SET status = $2, processed_at = $3, rejection_reason = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING student_id`, requestID, string(status), at, reason).Scan(&studentID)
	if err == nil {
		return studentID, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to update upgrade request %s: %w", requestID, err)
	}

	var current string

	err = tx.QueryRow(ctx, `SELECT status FROM upgrade_requests WHERE id = $1`, requestID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", core.ErrUpgradeNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to load upgrade request %s: %w", requestID, err)
	}

	return "", core.ErrUpgradeNotPending
}

func scanSubscription(row pgx.Row) (*core.Subscription, error) {
	var (
		sub      core.Subscription
		planName string
	)

	err := row.Scan(
		&sub.StudentID,
		&planName,
		&sub.Active,
		&sub.Blocked,
		&sub.StartedAt,
		&sub.EndsAt,
		&sub.CharactersUsed,
		&sub.CharactersLimit,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Plan = core.Plan(planName)

	return &sub, nil
}

func scanUpgrade(row pgx.Row) (*core.UpgradeRequest, error) {
	var (
		req    core.UpgradeRequest
		status string
	)

	err := row.Scan(
		&req.ID,
		&req.StudentID,
		&status,
		&req.RequestedAt,
		&req.ProcessedAt,
		&req.RejectionReason,
	)
	if err != nil {
		return nil, err
	}

	req.Status = core.UpgradeStatus(status)

	return &req, nil
}
