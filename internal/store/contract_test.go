package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

// storeFactory returns a fresh, empty store whose clock reads testNow.
type storeFactory func(t *testing.T) core.SubscriptionStore

// runStoreContract exercises behavior every SubscriptionStore must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Helper()

	t.Run("ensure student creates basic once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first, err := store.EnsureStudent(ctx, "alice", core.DefaultCharactersLimit)
		require.NoError(t, err)
		assert.Equal(t, core.PlanBasic, first.Plan)
		assert.False(t, first.Active)
		assert.Equal(t, core.DefaultCharactersLimit, first.CharactersLimit)

		second, err := store.EnsureStudent(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, core.DefaultCharactersLimit, second.CharactersLimit)
	})

	t.Run("basic student is denied without mutation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.EnsureStudent(ctx, "bob", core.DefaultCharactersLimit)
		require.NoError(t, err)

		reservation, err := store.CheckAndReserve(ctx, "bob", 11)
		require.NoError(t, err)
		assert.False(t, reservation.Granted)
		assert.Equal(t, core.ReasonBasicPlan, reservation.Reason)

		sub, err := store.Subscription(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, sub.CharactersUsed)
	})

	t.Run("approval starts a fresh pro cycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		req := seedPending(t, store, "carol")

		end := testNow.Add(30 * 24 * time.Hour)

		sub, err := store.ApproveUpgrade(ctx, req.ID, testNow, end, core.DefaultCharactersLimit)
		require.NoError(t, err)
		assert.Equal(t, core.PlanPro, sub.Plan)
		assert.True(t, sub.Active)
		assert.Equal(t, 0, sub.CharactersUsed)
		require.NotNil(t, sub.EndsAt)
		assert.True(t, end.Equal(*sub.EndsAt))

		stored, err := store.UpgradeRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, core.UpgradeApproved, stored.Status)

		_, err = store.ApproveUpgrade(ctx, req.ID, testNow, end, core.DefaultCharactersLimit)
		require.ErrorIs(t, err, core.ErrUpgradeNotPending)
	})

	t.Run("reserve grants up to the limit and no further", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPro(t, store, "dave", 149995)

		denied, err := store.CheckAndReserve(ctx, "dave", 10)
		require.NoError(t, err)
		assert.False(t, denied.Granted)
		assert.Equal(t, core.ReasonQuotaExhausted, denied.Reason)
		assert.Equal(t, 149995, denied.Used)

		granted, err := store.CheckAndReserve(ctx, "dave", 5)
		require.NoError(t, err)
		assert.True(t, granted.Granted)
		assert.Equal(t, core.DefaultCharactersLimit, granted.Used)
		assert.Equal(t, 0, granted.Remaining())

		_, err = store.CheckAndReserve(ctx, "dave", 0)
		require.ErrorIs(t, err, core.ErrInvalidCharCount)
	})

	t.Run("concurrent reservations never exceed the limit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPro(t, store, "erin", core.DefaultCharactersLimit-100)

		const workers = 25

		var (
			waitGroup sync.WaitGroup
			mu        sync.Mutex
			granted   int
		)

		for range workers {
			waitGroup.Add(1)

			go func() {
				defer waitGroup.Done()

				reservation, err := store.CheckAndReserve(ctx, "erin", 10)
				if err != nil || !reservation.Granted {
					return
				}

				mu.Lock()
				granted++
				mu.Unlock()
			}()
		}

		waitGroup.Wait()

		assert.Equal(t, 10, granted)

		sub, err := store.Subscription(ctx, "erin")
		require.NoError(t, err)
		assert.Equal(t, core.DefaultCharactersLimit, sub.CharactersUsed)
	})

	t.Run("blocking closes pending requests and revokes pro", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		req := seedPending(t, store, "frank")

		sub, err := store.BlockStudent(ctx, "frank", testNow)
		require.NoError(t, err)
		assert.Equal(t, core.PlanBasic, sub.Plan)
		assert.True(t, sub.Blocked)
		assert.Nil(t, sub.EndsAt)

		stored, err := store.UpgradeRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, core.UpgradeBlocked, stored.Status)

		reservation, err := store.CheckAndReserve(ctx, "frank", 1)
		require.NoError(t, err)
		assert.Equal(t, core.ReasonBlocked, reservation.Reason)

		_, err = store.CreateUpgradeRequest(ctx, newRequest("frank"))
		require.ErrorIs(t, err, core.ErrStudentBlocked)

		unblocked, err := store.UnblockStudent(ctx, "frank")
		require.NoError(t, err)
		assert.False(t, unblocked.Blocked)
		assert.Equal(t, core.PlanBasic, unblocked.Plan)

		stored, err = store.UpgradeRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, core.UpgradeBlocked, stored.Status)

		_, err = store.CreateUpgradeRequest(ctx, newRequest("frank"))
		require.NoError(t, err)

		_, err = store.UnblockStudent(ctx, "nobody")
		require.ErrorIs(t, err, core.ErrStudentNotFound)
	})

	t.Run("only one pending request per student", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPending(t, store, "grace")

		_, err := store.CreateUpgradeRequest(ctx, newRequest("grace"))
		require.ErrorIs(t, err, core.ErrPendingUpgradeExists)
	})

	t.Run("reject records the reason", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		req := seedPending(t, store, "heidi")

		rejected, err := store.RejectUpgrade(ctx, req.ID, "missing payment", testNow)
		require.NoError(t, err)
		assert.Equal(t, core.UpgradeRejected, rejected.Status)
		assert.Equal(t, "missing payment", rejected.RejectionReason)

		_, err = store.RejectUpgrade(ctx, uuid.NewString(), "", testNow)
		require.ErrorIs(t, err, core.ErrUpgradeNotFound)
	})

	t.Run("expire due reverts ended pro terms", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPro(t, store, "ivan", 0)

		expired, err := store.ExpireDue(ctx, testNow.Add(29*24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, expired)

		expired, err = store.ExpireDue(ctx, testNow.Add(30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"ivan"}, expired)

		sub, err := store.Subscription(ctx, "ivan")
		require.NoError(t, err)
		assert.Equal(t, core.PlanBasic, sub.Plan)
		assert.False(t, sub.Active)
	})

	t.Run("cancel and reset", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedPro(t, store, "judy", 500)

		reset, err := store.ResetUsage(ctx, "judy")
		require.NoError(t, err)
		assert.Equal(t, 0, reset.CharactersUsed)
		assert.Equal(t, core.PlanPro, reset.Plan)

		cancelled, err := store.CancelPro(ctx, "judy")
		require.NoError(t, err)
		assert.Equal(t, core.PlanBasic, cancelled.Plan)

		_, err = store.CancelPro(ctx, "nobody")
		require.ErrorIs(t, err, core.ErrStudentNotFound)
	})
}

func newRequest(studentID string) core.UpgradeRequest {
	return core.UpgradeRequest{
		ID:              uuid.NewString(),
		StudentID:       studentID,
		Status:          core.UpgradePending,
		RequestedAt:     testNow,
		ProcessedAt:     nil,
		RejectionReason: "",
	}
}

func seedPending(t *testing.T, store core.SubscriptionStore, studentID string) *core.UpgradeRequest {
	t.Helper()

	ctx := context.Background()

	_, err := store.EnsureStudent(ctx, studentID, core.DefaultCharactersLimit)
	require.NoError(t, err)

	req, err := store.CreateUpgradeRequest(ctx, newRequest(studentID))
	require.NoError(t, err)
	assert.Equal(t, core.UpgradePending, req.Status)

	return req
}

// seedPro approves a fresh request and then consumes used characters.
func seedPro(t *testing.T, store core.SubscriptionStore, studentID string, used int) {
	t.Helper()

	ctx := context.Background()
	req := seedPending(t, store, studentID)

	_, err := store.ApproveUpgrade(ctx, req.ID, testNow, testNow.Add(30*24*time.Hour), core.DefaultCharactersLimit)
	require.NoError(t, err)

	if used > 0 {
		reservation, reserveErr := store.CheckAndReserve(ctx, studentID, used)
		require.NoError(t, reserveErr)
		require.True(t, reservation.Granted)
	}
}
