package usb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// MockConn is a Conn for tests that records everything written to it.
type MockConn struct {
	// Serial is returned by SerialNumber.
	Serial string
	// SerialErr, if set, makes SerialNumber fail.
	SerialErr error
	// WriteErr, if set, makes Write fail.
	WriteErr error

	m      sync.Mutex
	writes [][]byte
	closed bool
}

func (c *MockConn) Write(p []byte) (int, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.writes = append(c.writes, buf)
	return len(p), nil
}

func (c *MockConn) SerialNumber() (string, error) {
	if c.SerialErr != nil {
		return "", c.SerialErr
	}
	return c.Serial, nil
}

func (c *MockConn) Close() error {
	c.m.Lock()
	defer c.m.Unlock()
	c.closed = true
	return nil
}

// Writes returns a copy of everything written so far.
func (c *MockConn) Writes() [][]byte {
	c.m.Lock()
	defer c.m.Unlock()
	writes := make([][]byte, len(c.writes))
	copy(writes, c.writes)
	return writes
}

// Closed reports whether Close was called.
func (c *MockConn) Closed() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.closed
}

// MockTransport is a Transport for tests. The attached device set is
// manipulated via AddDevice and RemoveDevice; in hotplug mode these also
// deliver events to the registered callback, synchronously, like libusb
// would.
type MockTransport struct {
	// Hotplug selects whether HasHotplug reports true.
	Hotplug bool
	// Pumps counts PumpEvents calls.
	Pumps atomic.Int64

	m         sync.Mutex
	devices   []DeviceInfo
	conns     map[ID]*MockConn
	openErrs  map[ID]error
	enumErrs  []error
	pumpErrs  []error
	hotplugFn HotplugFunc
}

// NewMockTransport creates a MockTransport without any devices.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		conns:    make(map[ID]*MockConn),
		openErrs: make(map[ID]error),
	}
}

// AddDevice attaches the given device and returns the MockConn that a later
// Open will hand out.
func (t *MockTransport) AddDevice(info DeviceInfo) *MockConn {
	t.m.Lock()
	conn := &MockConn{}
	t.devices = append(t.devices, info)
	t.conns[info.ID] = conn
	fn := t.hotplugFn
	t.m.Unlock()
	if fn != nil {
		fn(info, HotplugArrived)
	}
	return conn
}

// RemoveDevice detaches the device with the given id.
func (t *MockTransport) RemoveDevice(id ID) {
	t.m.Lock()
	var removed *DeviceInfo
	for i, info := range t.devices {
		if info.ID == id {
			removed = &info
			t.devices = append(t.devices[:i], t.devices[i+1:]...)
			break
		}
	}
	delete(t.conns, id)
	fn := t.hotplugFn
	t.m.Unlock()
	if removed != nil && fn != nil {
		fn(*removed, HotplugLeft)
	}
}

// FailOpen makes the next Open for the given id fail with err.
func (t *MockTransport) FailOpen(id ID, err error) {
	t.m.Lock()
	defer t.m.Unlock()
	t.openErrs[id] = err
}

// FailEnumeration queues err for the next Devices call.
func (t *MockTransport) FailEnumeration(err error) {
	t.m.Lock()
	defer t.m.Unlock()
	t.enumErrs = append(t.enumErrs, err)
}

// FailPump queues err for the next PumpEvents call.
func (t *MockTransport) FailPump(err error) {
	t.m.Lock()
	defer t.m.Unlock()
	t.pumpErrs = append(t.pumpErrs, err)
}

func (t *MockTransport) Devices() ([]DeviceInfo, error) {
	t.m.Lock()
	defer t.m.Unlock()
	if len(t.enumErrs) > 0 {
		err := t.enumErrs[0]
		t.enumErrs = t.enumErrs[1:]
		return nil, err
	}
	devices := make([]DeviceInfo, len(t.devices))
	copy(devices, t.devices)
	return devices, nil
}

func (t *MockTransport) Open(info DeviceInfo) (Conn, error) {
	t.m.Lock()
	defer t.m.Unlock()
	if err, ok := t.openErrs[info.ID]; ok {
		delete(t.openErrs, info.ID)
		return nil, err
	}
	conn, ok := t.conns[info.ID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return conn, nil
}

func (t *MockTransport) HasHotplug() bool {
	return t.Hotplug
}

func (t *MockTransport) RegisterHotplug(fn HotplugFunc) error {
	t.m.Lock()
	t.hotplugFn = fn
	devices := make([]DeviceInfo, len(t.devices))
	copy(devices, t.devices)
	t.m.Unlock()
	// Initial enumeration: deliver an arrival for everything already attached.
	for _, info := range devices {
		fn(info, HotplugArrived)
	}
	return nil
}

func (t *MockTransport) PumpEvents(ctx context.Context) error {
	t.Pumps.Inc()
	t.m.Lock()
	var err error
	if len(t.pumpErrs) > 0 {
		err = t.pumpErrs[0]
		t.pumpErrs = t.pumpErrs[1:]
	}
	t.m.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}
