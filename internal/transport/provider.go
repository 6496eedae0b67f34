// internal/transport/provider.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Transport errors the connection manager classifies with errors.Is
var (
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrServiceNotFound    = errors.New("uart service not found")
	ErrReadTimeout        = errors.New("read timed out")
	ErrNotConnected       = errors.New("device not connected")
	ErrInvalidHandle      = errors.New("handle does not belong to this provider")
)

// Signature identifies the sensor among nearby devices
type Signature struct {
	Name        string
	ServiceUUID string
}

func (s Signature) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s/%s", s.Name, s.ServiceUUID)
	}
	return s.ServiceUUID
}

// DeviceHandle is a located device, valid for one connection cycle
type DeviceHandle interface {
	ID() string
	Name() string
}

// ServiceHandle is the UART service of a connected device
type ServiceHandle interface {
	Device() DeviceHandle
	UUID() string
}

// Provider is the capability set the connection manager drives. Blocking
// calls honour ctx.
type Provider interface {
	Type() string
	PowerOnAdapter(ctx context.Context) error
	DisconnectMatchingDevices(ctx context.Context, sig Signature) error
	ScanForDevice(ctx context.Context, sig Signature, timeout time.Duration) (DeviceHandle, error)
	Connect(ctx context.Context, dev DeviceHandle) error
	DiscoverService(ctx context.Context, dev DeviceHandle) (ServiceHandle, error)
	// ReadChars blocks until at least one character arrives, returning
	// ErrReadTimeout when none does within timeout
	ReadChars(ctx context.Context, svc ServiceHandle, timeout time.Duration) ([]byte, error)
	Disconnect(dev DeviceHandle) error
	Stats() Stats
}

// Stats provides transport-level statistics
type Stats struct {
	BytesRead    int64     `json:"bytes_read"`
	ReadCount    int64     `json:"read_count"`
	ErrorCount   int64     `json:"error_count"`
	DroppedBytes int64     `json:"dropped_bytes"`
	Connects     int64     `json:"connects"`
	LastActivity time.Time `json:"last_activity"`
	IsConnected  bool      `json:"is_connected"`
}

// statsTracker is embedded by providers to maintain Stats
type statsTracker struct {
	mu    sync.Mutex
	stats Stats
}

func (t *statsTracker) recordRead(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.BytesRead += int64(n)
	t.stats.ReadCount++
	t.stats.LastActivity = time.Now()
}

func (t *statsTracker) recordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.ErrorCount++
}

func (t *statsTracker) recordDropped(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.DroppedBytes += int64(n)
}

func (t *statsTracker) setConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if connected && !t.stats.IsConnected {
		t.stats.Connects++
	}
	t.stats.IsConnected = connected
	t.stats.LastActivity = time.Now()
}

// Stats returns a snapshot of the counters
func (t *statsTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// waitChunk waits for a chunk on ch, the timeout, ctx or closed
func waitChunk(ctx context.Context, ch <-chan []byte, closed <-chan struct{}, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		return data, nil
	case <-closed:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
