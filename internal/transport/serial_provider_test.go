package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"sensor-reader/internal/discovery"
)

// fakePort overrides the serial.Port methods the provider uses
type fakePort struct {
	serial.Port

	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, f.chunks[0])
	f.chunks = f.chunks[1:]
	return n, nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type staticScanner struct {
	kind    string
	devices []*discovery.DiscoveredDevice
}

func (s *staticScanner) Scan(context.Context) ([]*discovery.DiscoveredDevice, error) {
	return s.devices, nil
}
func (s *staticScanner) GetScannerType() string { return s.kind }
func (s *staticScanner) IsAvailable() bool      { return true }

func newTestSerialProvider(cfg SerialConfig, port *fakePort, devices ...*discovery.DiscoveredDevice) *SerialProvider {
	p := NewSerialProvider(cfg, zap.NewNop())
	p.scanners = discovery.NewScannerManager(zap.NewNop())
	p.scanners.RegisterScanner(&staticScanner{kind: "serial", devices: devices})
	p.open = func(string, *serial.Mode) (serial.Port, error) { return port, nil }
	return p
}

func TestSerialProvider_Lifecycle(t *testing.T) {
	port := &fakePort{chunks: [][]byte{[]byte("B4"), []byte("23E")}}
	p := newTestSerialProvider(SerialConfig{VendorID: "239a"}, port,
		&discovery.DiscoveredDevice{Port: "/dev/ttyS0", Confidence: 0.3},
		&discovery.DiscoveredDevice{Port: "/dev/ttyUSB0", VendorID: "239A", Product: "UART Friend", Confidence: 0.7},
	)
	ctx := context.Background()

	// no usb scanner registered: the bridge check is skipped
	require.NoError(t, p.PowerOnAdapter(ctx))

	dev, err := p.ScanForDevice(ctx, Signature{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", dev.ID())
	assert.Equal(t, "UART Friend", dev.Name())

	require.NoError(t, p.Connect(ctx, dev))
	svc, err := p.DiscoverService(ctx, dev)
	require.NoError(t, err)

	var got []byte
	for len(got) < 5 {
		chunk, err := p.ReadChars(ctx, svc, time.Second)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, "B423E", string(got))

	require.NoError(t, p.Disconnect(dev))
	assert.True(t, port.closed)
	assert.False(t, p.Stats().IsConnected)
}

func TestSerialProvider_ReadTimeout(t *testing.T) {
	port := &fakePort{}
	p := newTestSerialProvider(SerialConfig{Port: "/dev/ttyUSB0"}, port,
		&discovery.DiscoveredDevice{Port: "/dev/ttyUSB0"})
	ctx := context.Background()

	dev, err := p.ScanForDevice(ctx, Signature{}, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Connect(ctx, dev))
	svc, err := p.DiscoverService(ctx, dev)
	require.NoError(t, err)

	_, err = p.ReadChars(ctx, svc, time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestSerialProvider_NotFound(t *testing.T) {
	p := newTestSerialProvider(SerialConfig{PortPattern: "/dev/ttyACM*"}, &fakePort{},
		&discovery.DiscoveredDevice{Port: "/dev/ttyUSB0"})

	_, err := p.ScanForDevice(context.Background(), Signature{}, 0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSerialProvider_DisconnectMatchingDevicesClosesStalePort(t *testing.T) {
	port := &fakePort{}
	p := newTestSerialProvider(SerialConfig{Port: "/dev/ttyUSB0"}, port,
		&discovery.DiscoveredDevice{Port: "/dev/ttyUSB0"})
	ctx := context.Background()

	dev, err := p.ScanForDevice(ctx, Signature{}, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Connect(ctx, dev))

	require.NoError(t, p.DisconnectMatchingDevices(ctx, Signature{}))
	assert.True(t, port.closed)
}
