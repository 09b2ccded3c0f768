//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipePair(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddAndWaitReportsReadable(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	require.NoError(t, p.Add(r, Readable))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err := p.Wait(time.Second, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, r, evs[0].FD)
	assert.True(t, evs[0].Events.Has(EventReadable))
}

func TestWaitTimesOutWithNoEvents(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, _ := pipePair(t)
	require.NoError(t, p.Add(r, Readable))

	start := time.Now()
	evs, err := p.Wait(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRemoveStopsReporting(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	require.NoError(t, p.Add(r, Readable))
	require.NoError(t, p.Remove(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err := p.Wait(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestWakeInterruptsBlockedWait(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Wait(5*time.Second, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake did not unblock Wait")
	}
}

func TestModifyChangesWatchedMode(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	require.NoError(t, p.Add(r, Writable))
	require.NoError(t, p.Modify(r, Readable))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err := p.Wait(time.Second, nil)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Events.Has(EventReadable))
}
