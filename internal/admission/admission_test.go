package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketCapacityThenOnePerRefillInterval(t *testing.T) {
	const capacity, rate = 5, 10
	clock := NewManualClock(time.Unix(1700000000, 0))
	b := NewBucket(capacity, rate, WithClock(clock))

	for i := 0; i < capacity; i++ {
		require.Truef(t, b.Acquire(), "acquire %d", i)
	}
	assert.False(t, b.Acquire(), "capacity+1 acquire must fail")

	clock.Advance(1000 / rate * time.Millisecond)
	assert.True(t, b.Acquire(), "one token after one refill interval")
	assert.False(t, b.Acquire(), "only one token accrued")
}

func TestBucketKeepsFractionalCredit(t *testing.T) {
	clock := NewManualClock(time.Unix(1700000000, 0))
	b := NewBucket(1, 10, WithClock(clock), WithInitialTokens(0))

	clock.Advance(60 * time.Millisecond)
	assert.False(t, b.Acquire())
	clock.Advance(40 * time.Millisecond)
	assert.True(t, b.Acquire(), "60ms+40ms must add up to one token")
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	clock := NewManualClock(time.Unix(1700000000, 0))
	b := NewBucket(3, 1000, WithClock(clock))
	clock.Advance(time.Hour)
	assert.EqualValues(t, 3, b.Tokens())
}

func TestEmptyBucketRejectsUntilClockAdvances(t *testing.T) {
	clock := NewManualClock(time.Unix(1700000000, 0))
	g := Gate{Bucket: NewBucket(2, 1, WithClock(clock), WithInitialTokens(0))}
	for i := 0; i < 10; i++ {
		err := g.Admit()
		require.Error(t, err)
		assert.True(t, errors.Is(err, protocol.ErrAdmissionRejected))
	}
	assert.Equal(t, time.Second, g.Bucket.Wait())

	clock.Advance(time.Second)
	assert.NoError(t, g.Admit())
	assert.Error(t, g.Admit())
}

func TestZeroCapacityBucketAlwaysRejects(t *testing.T) {
	clock := NewManualClock(time.Unix(1700000000, 0))
	b := NewBucket(0, 1000, WithClock(clock))
	assert.False(t, b.Acquire())
	clock.Advance(time.Minute)
	assert.False(t, b.Acquire())
}

func TestCeilingBoundsActiveLinks(t *testing.T) {
	c := NewCeiling(2)
	require.True(t, c.TryAcquire())
	require.True(t, c.TryAcquire())
	assert.False(t, c.TryAcquire())
	assert.EqualValues(t, 2, c.Active())

	c.Release()
	assert.True(t, c.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Acquire(ctx), context.DeadlineExceeded)
}

func TestUnboundedCeiling(t *testing.T) {
	c := NewCeiling(0)
	for i := 0; i < 100; i++ {
		require.True(t, c.TryAcquire())
	}
	assert.EqualValues(t, 100, c.Active())
}

func TestGateReleasesSlotWhenBucketRejects(t *testing.T) {
	clock := NewManualClock(time.Unix(1700000000, 0))
	g := Gate{
		Bucket:  NewBucket(1, 1, WithClock(clock), WithInitialTokens(0)),
		Ceiling: NewCeiling(1),
	}
	err := g.Admit()
	assert.ErrorIs(t, err, protocol.ErrAdmissionRejected)
	assert.EqualValues(t, 0, g.Ceiling.Active())

	clock.Advance(time.Second)
	require.NoError(t, g.Admit())
	err = g.Admit()
	assert.ErrorIs(t, err, protocol.ErrAdmissionRejected)
	assert.Contains(t, err.Error(), "ceiling")
}
