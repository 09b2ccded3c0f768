package pubsub

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deferio/reactor/internal/deferqueue"
)

func drain(q *deferqueue.Queue, deadline time.Duration) {
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if q.Perform() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	const n = 5
	var got int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		r.Subscribe("room.1", 0, func(d *Delivery) {
			atomic.AddInt32(&got, 1)
			wg.Done()
		}, nil)
	}

	require.NoError(t, r.Publish(PublishOptions{Channel: "room.1", Payload: []byte("hi")}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	go drain(q, time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers were delivered to")
	}
	assert.Equal(t, int32(n), atomic.LoadInt32(&got))
}

func TestDoubleSubscribeCreatesIndependentSubscriptions(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	var calls int32
	h := func(d *Delivery) { atomic.AddInt32(&calls, 1) }
	r.Subscribe("x", 0, h, nil)
	r.Subscribe("x", 0, h, nil)

	require.NoError(t, r.Publish(PublishOptions{Channel: "x"}))
	drain(q, 200*time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPatternSubscriptionMatchesPublishedChannel(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	delivered := make(chan string, 1)
	r.PSubscribe("news.*", nil, func(d *Delivery) {
		delivered <- d.Msg.Channel
	}, nil)

	require.NoError(t, r.Publish(PublishOptions{Channel: "news.weather"}))
	drain(q, 200*time.Millisecond)

	select {
	case ch := <-delivered:
		assert.Equal(t, "news.weather", ch)
	default:
		t.Fatal("pattern subscriber was not delivered to")
	}
}

func TestUnsubscribeStopsFutureDeliveries(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	var calls int32
	sub := r.Subscribe("x", 0, func(d *Delivery) { atomic.AddInt32(&calls, 1) }, nil)
	r.Unsubscribe(sub)

	require.NoError(t, r.Publish(PublishOptions{Channel: "x"}))
	drain(q, 100*time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestMetadataFinisherRunsOnceAfterAllDeliveries(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	var finished int32
	r.RegisterMetadataFunc(func(msg *Message) {
		AttachMetadata(msg, 1, "record", func() { atomic.AddInt32(&finished, 1) })
	})

	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		r.Subscribe("m", 0, func(d *Delivery) {
			v, ok := d.Msg.Metadata(1)
			assert.True(t, ok)
			assert.Equal(t, "record", v)
			wg.Done()
		}, nil)
	}

	require.NoError(t, r.Publish(PublishOptions{Channel: "m"}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	go drain(q, time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliveries never completed")
	}
	drain(q, 100*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestDeliveryDeferRequeuesExactDelivery(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	var attempts int32
	done := make(chan struct{})
	r.Subscribe("retry", 0, func(d *Delivery) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			d.Defer()
			return
		}
		close(done)
	}, nil)

	require.NoError(t, r.Publish(PublishOptions{Channel: "retry"}))
	go drain(q, time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred delivery never completed")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestFilterSubscriptionBypassesChannelMatching(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)

	delivered := make(chan struct{}, 1)
	r.Subscribe("ignored-channel-name", 42, func(d *Delivery) {
		delivered <- struct{}{}
	}, nil)

	require.NoError(t, r.Publish(PublishOptions{Channel: "anything", Filter: 42}))
	drain(q, 200*time.Millisecond)

	select {
	case <-delivered:
	default:
		t.Fatal("filter subscriber was not delivered to")
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	q := deferqueue.New()
	r := NewRegistry(q)
	err := r.Publish(PublishOptions{Channel: "nobody-listens"})
	assert.NoError(t, err)
}
