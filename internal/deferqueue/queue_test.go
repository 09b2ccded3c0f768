package deferqueue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferAndPerformRunsInOrderPerProducer(t *testing.T) {
	q := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Defer(func(interface{}, interface{}) { order = append(order, i) }, nil, nil)
	}
	ran := q.Perform()
	require.Equal(t, 5, ran)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPerformDoesNotReenterSameBatch(t *testing.T) {
	q := New()
	var secondRan int32
	q.Defer(func(interface{}, interface{}) {
		q.Defer(func(interface{}, interface{}) { atomic.AddInt32(&secondRan, 1) }, nil, nil)
	}, nil, nil)

	ran := q.Perform()
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(0), atomic.LoadInt32(&secondRan))

	ran = q.Perform()
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondRan))
}

func TestDeferAfterCloseFails(t *testing.T) {
	q := New()
	q.Close()
	ok := q.Defer(func(interface{}, interface{}) {}, nil, nil)
	assert.False(t, ok)
}

func TestRunEveryFiresRepeatedly(t *testing.T) {
	q := New()
	var fired int32
	q.RunEvery(1, 3, func() { atomic.AddInt32(&fired, 1) }, nil)

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		q.FireDue(time.Now())
		q.Perform()
		if atomic.LoadInt32(&fired) == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&fired))
}

func TestRunEveryOnFinishFiresOnExhaustion(t *testing.T) {
	q := New()
	finished := make(chan struct{}, 1)
	q.RunEvery(1, 1, func() {}, func() { finished <- struct{}{} })

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		q.FireDue(time.Now())
		q.Perform()
		select {
		case <-finished:
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("on_finish never fired")
}

func TestHandleCancelFiresOnFinishOnce(t *testing.T) {
	q := New()
	var finishes int32
	h := q.RunEvery(1000, 0, func() {}, func() { atomic.AddInt32(&finishes, 1) })
	h.Cancel()
	h.Cancel()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finishes))
}

func TestNextDeadlineReflectsNearestTimer(t *testing.T) {
	q := New()
	_, ok := q.NextDeadline()
	assert.False(t, ok)

	q.RunEvery(50, 1, func() {}, nil)
	deadline, ok := q.NextDeadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)
}
