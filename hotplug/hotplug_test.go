package hotplug

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pixelbridge/pixelbridge-server/registry"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeout = 3 * time.Second

// recordingRegistry records controller calls for assertions.
type recordingRegistry struct {
	m        sync.Mutex
	attached []usb.ID
	detached []usb.ID
	syncs    [][]usb.DeviceInfo
	// synced receives one signal per Sync call.
	synced chan struct{}
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{synced: make(chan struct{}, 64)}
}

func (r *recordingRegistry) TryAttach(info usb.DeviceInfo) registry.AttachResult {
	r.m.Lock()
	defer r.m.Unlock()
	r.attached = append(r.attached, info.ID)
	return registry.ResultAttached
}

func (r *recordingRegistry) Detach(id usb.ID) bool {
	r.m.Lock()
	defer r.m.Unlock()
	r.detached = append(r.detached, id)
	return true
}

func (r *recordingRegistry) Sync(enumerated []usb.DeviceInfo) {
	r.m.Lock()
	snapshot := make([]usb.DeviceInfo, len(enumerated))
	copy(snapshot, enumerated)
	r.syncs = append(r.syncs, snapshot)
	r.m.Unlock()
	select {
	case r.synced <- struct{}{}:
	default:
	}
}

func (r *recordingRegistry) awaitSyncs(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.synced:
		case <-deadline:
			t.Fatalf("timeout while waiting for poll %d of %d", i+1, n)
		}
	}
}

func info(n int) usb.DeviceInfo {
	return usb.DeviceInfo{ID: usb.ID{Bus: 1, Address: n}, Vendor: 0xbeef}
}

// TestEventMode assures that native hotplug events translate into attach and
// detach calls, including the initial enumeration at registration time.
func TestEventMode(t *testing.T) {
	transport := usb.NewMockTransport()
	transport.Hotplug = true
	transport.AddDevice(info(1))
	reg := newRecordingRegistry()
	c := NewController(zap.New(zapcore.NewNopCore()), transport, reg)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.Run(ctx)
	}()

	// Wait until the initial enumeration delivered device 1.
	require.Eventually(t, func() bool {
		reg.m.Lock()
		defer reg.m.Unlock()
		return len(reg.attached) == 1
	}, timeout, time.Millisecond, "initial enumeration should attach device 1")

	transport.AddDevice(info(2))
	transport.RemoveDevice(info(1).ID)

	reg.m.Lock()
	assert.Equal(t, []usb.ID{{Bus: 1, Address: 1}, {Bus: 1, Address: 2}}, reg.attached,
		"arrivals should be forwarded in order")
	assert.Equal(t, []usb.ID{{Bus: 1, Address: 1}}, reg.detached,
		"left events should be forwarded")
	reg.m.Unlock()

	cancel()
	select {
	case <-runDone:
	case <-time.After(timeout):
		t.Fatal("controller did not stop after context cancel")
	}
}

// TestPollMode assures that without native hotplug support, the controller
// hands fresh enumerations to the registry once per interval.
func TestPollMode(t *testing.T) {
	transport := usb.NewMockTransport()
	transport.AddDevice(info(1))
	reg := newRecordingRegistry()
	c := NewController(zap.New(zapcore.NewNopCore()), transport, reg)
	c.pollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.Run(ctx)
	}()

	reg.awaitSyncs(t, 1)
	transport.AddDevice(info(2))
	reg.awaitSyncs(t, 2)

	require.Eventually(t, func() bool {
		reg.m.Lock()
		defer reg.m.Unlock()
		return len(reg.syncs[len(reg.syncs)-1]) == 2
	}, timeout, time.Millisecond, "a later poll should see both devices")
	reg.m.Lock()
	assert.Equal(t, []usb.DeviceInfo{info(1)}, reg.syncs[0],
		"first poll should see the initial device")
	reg.m.Unlock()

	cancel()
	select {
	case <-runDone:
	case <-time.After(timeout):
		t.Fatal("poll loop did not stop after context cancel")
	}
}

// TestPollModeEnumerationFailure assures that a failed enumeration is skipped
// and polling continues.
func TestPollModeEnumerationFailure(t *testing.T) {
	transport := usb.NewMockTransport()
	transport.AddDevice(info(1))
	transport.FailEnumeration(assert.AnError)
	reg := newRecordingRegistry()
	c := NewController(zap.New(zapcore.NewNopCore()), transport, reg)
	c.pollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// The first poll fails; a later one must still deliver.
	reg.awaitSyncs(t, 1)
	reg.m.Lock()
	assert.Equal(t, []usb.DeviceInfo{info(1)}, reg.syncs[0],
		"poll after the failed enumeration should deliver the device list")
	reg.m.Unlock()
}
