package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Contract(t *testing.T) {
	t.Parallel()

	runStoreContract(t, func(_ *testing.T) core.SubscriptionStore {
		return store.NewMemory(func() time.Time { return testNow })
	})
}

func TestMemory_ReserveChecksExpiryAgainstClock(t *testing.T) {
	t.Parallel()

	now := testNow
	memory := store.NewMemory(func() time.Time { return now })

	ends := testNow.Add(time.Hour)
	memory.Put(core.Subscription{
		StudentID:       "kim",
		Plan:            core.PlanPro,
		Active:          true,
		Blocked:         false,
		StartedAt:       &testNow,
		EndsAt:          &ends,
		CharactersUsed:  0,
		CharactersLimit: 100,
		UpdatedAt:       testNow,
	})

	reservation, err := memory.CheckAndReserve(context.Background(), "kim", 10)
	require.NoError(t, err)
	assert.True(t, reservation.Granted)

	now = ends

	reservation, err = memory.CheckAndReserve(context.Background(), "kim", 10)
	require.NoError(t, err)
	assert.False(t, reservation.Granted)
	assert.Equal(t, core.ReasonSubscriptionExpiredOrInactive, reservation.Reason)
	assert.Equal(t, 10, reservation.Used)
}

func TestMemory_UnknownStudent(t *testing.T) {
	t.Parallel()

	memory := store.NewMemory(nil)

	_, err := memory.CheckAndReserve(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, core.ErrStudentNotFound)

	_, err = memory.Subscription(context.Background(), "ghost")
	require.ErrorIs(t, err, core.ErrStudentNotFound)
}
