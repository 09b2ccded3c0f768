package fdtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deferio/reactor/internal/packet"
)

type nopHooks struct{}

func (nopHooks) Read(UUID, interface{}, []byte) (int, error)  { return 0, nil }
func (nopHooks) Write(UUID, interface{}, []byte) (int, error) { return 0, nil }
func (nopHooks) Close(UUID, interface{}) error                { return nil }
func (nopHooks) Flush(UUID, interface{}) error                { return nil }

func TestOpenValidateRoundTrip(t *testing.T) {
	tbl := New(16)
	u, err := tbl.Open(3, nopHooks{}, nil)
	require.NoError(t, err)

	slot, ok := tbl.Validate(u)
	require.True(t, ok)
	assert.NotNil(t, slot)
}

func TestReopenInvalidatesOldUUID(t *testing.T) {
	tbl := New(16)
	first, err := tbl.Open(3, nopHooks{}, nil)
	require.NoError(t, err)

	_ = tbl.ForceClose(first, func(interface{}, func(interface{})) {})

	second, err := tbl.Open(3, nopHooks{}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, ok := tbl.Validate(first)
	assert.False(t, ok)
	_, ok = tbl.Validate(second)
	assert.True(t, ok)
}

func TestOpenBeyondCapacityFails(t *testing.T) {
	tbl := New(4)
	_, err := tbl.Open(100, nopHooks{}, nil)
	assert.Error(t, err)
}

func TestForceCloseRunsDeallocAndOnClose(t *testing.T) {
	tbl := New(8)
	u, err := tbl.Open(1, nopHooks{}, nil)
	require.NoError(t, err)

	slot, _ := tbl.Validate(u)
	var dealloced bool
	slot.Packets.Push(&packet.Packet{Buffer: []byte("x"), Dealloc: func() { dealloced = true }})

	var onCloseRan bool
	slot.Attach("protocol", func(interface{}) { onCloseRan = true })

	var scheduled bool
	err = tbl.ForceClose(u, func(protocol interface{}, onClose func(interface{})) {
		scheduled = true
		onClose(protocol)
	})
	require.NoError(t, err)
	assert.True(t, dealloced)
	assert.True(t, scheduled)
	assert.True(t, onCloseRan)

	_, ok := tbl.Validate(u)
	assert.False(t, ok)
}

func TestLinkRunsOnCloseImmediatelyIfAlreadyInvalid(t *testing.T) {
	tbl := New(8)
	var ran bool
	tbl.Link(Invalid, "k", "obj", func(interface{}) { ran = true })
	assert.True(t, ran)
}

func TestCurrentUUIDReflectsLiveGeneration(t *testing.T) {
	tbl := New(8)
	u, err := tbl.Open(2, nopHooks{}, nil)
	require.NoError(t, err)

	cur, ok := tbl.CurrentUUID(2)
	require.True(t, ok)
	assert.Equal(t, u, cur)

	_ = tbl.ForceClose(u, func(interface{}, func(interface{})) {})
	_, ok = tbl.CurrentUUID(2)
	assert.False(t, ok)
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	tbl := New(8)
	u, err := tbl.Open(5, nopHooks{}, nil)
	require.NoError(t, err)

	require.NoError(t, tbl.SetTimeout(u, 0))
	slot, _ := tbl.Validate(u)
	assert.False(t, slot.Expired()) // zero budget never expires
}
