// internal/transport/demo_provider.go
package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DemoConfig configures the simulated sensor
type DemoConfig struct {
	Interval       time.Duration
	MalformedEvery int
	Seed           int64
	BaseReading    int64
	// DisconnectAfter drops the link after this many packets; 0 never drops
	DisconnectAfter int
}

// DemoProvider simulates the sensor: it emits B<digits>E packets on a fixed
// interval, split into uneven chunks the way BLE notifications arrive, with
// an occasional corrupt frame.
type DemoProvider struct {
	statsTracker

	config DemoConfig
	logger *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	sent      int
	pending   []byte
	nextAt    time.Time
	connected bool
	closed    chan struct{}
}

type demoDevice struct{}

func (demoDevice) ID() string   { return "demo-sensor" }
func (demoDevice) Name() string { return "Demo Moisture Sensor" }

type demoService struct{}

func (demoService) Device() DeviceHandle { return demoDevice{} }
func (demoService) UUID() string         { return "demo-uart" }

// NewDemoProvider creates a simulated sensor
func NewDemoProvider(config DemoConfig, logger *zap.Logger) *DemoProvider {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.BaseReading <= 0 {
		config.BaseReading = 420
	}
	seed := uint64(config.Seed)
	return &DemoProvider{
		config: config,
		logger: logger.With(zap.String("transport", "demo")),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Type returns the provider type
func (p *DemoProvider) Type() string {
	return "demo"
}

// PowerOnAdapter always succeeds
func (p *DemoProvider) PowerOnAdapter(ctx context.Context) error {
	return ctx.Err()
}

// DisconnectMatchingDevices drops a link left from an earlier cycle
func (p *DemoProvider) DisconnectMatchingDevices(ctx context.Context, sig Signature) error {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if connected {
		_ = p.Disconnect(demoDevice{})
	}
	return ctx.Err()
}

// ScanForDevice finds the simulated sensor immediately
func (p *DemoProvider) ScanForDevice(ctx context.Context, sig Signature, timeout time.Duration) (DeviceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return demoDevice{}, nil
}

// Connect opens the simulated link
func (p *DemoProvider) Connect(ctx context.Context, dev DeviceHandle) error {
	if _, ok := dev.(demoDevice); !ok {
		return ErrInvalidHandle
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connected = true
	p.closed = make(chan struct{})
	p.pending = nil
	p.sent = 0
	p.nextAt = time.Now().Add(p.config.Interval)
	p.setConnected(true)
	p.logger.Info("Demo sensor connected", zap.Duration("interval", p.config.Interval))
	return ctx.Err()
}

// DiscoverService returns the simulated UART
func (p *DemoProvider) DiscoverService(ctx context.Context, dev DeviceHandle) (ServiceHandle, error) {
	if _, ok := dev.(demoDevice); !ok {
		return nil, ErrInvalidHandle
	}
	return demoService{}, ctx.Err()
}

// ReadChars returns the next chunk of the simulated stream
func (p *DemoProvider) ReadChars(ctx context.Context, svc ServiceHandle, timeout time.Duration) ([]byte, error) {
	if _, ok := svc.(demoService); !ok {
		return nil, ErrInvalidHandle
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	if len(p.pending) > 0 {
		chunk := p.takeChunk()
		p.mu.Unlock()
		p.recordRead(len(chunk))
		return chunk, nil
	}
	if p.config.DisconnectAfter > 0 && p.sent >= p.config.DisconnectAfter {
		p.mu.Unlock()
		p.recordError()
		return nil, fmt.Errorf("demo link dropped after %d packets: %w", p.sent, ErrNotConnected)
	}
	wait := time.Until(p.nextAt)
	closed := p.closed
	p.mu.Unlock()

	timedOut := false
	if wait > timeout {
		wait = timeout
		timedOut = true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, ErrNotConnected
	case <-timer.C:
	}
	if timedOut {
		return nil, ErrReadTimeout
	}

	p.mu.Lock()
	p.pending = p.nextPacket()
	p.nextAt = time.Now().Add(p.config.Interval)
	chunk := p.takeChunk()
	p.mu.Unlock()

	p.recordRead(len(chunk))
	return chunk, nil
}

// Disconnect closes the simulated link
func (p *DemoProvider) Disconnect(dev DeviceHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false
	close(p.closed)
	p.setConnected(false)
	p.logger.Info("Demo sensor disconnected", zap.Int("packets_sent", p.sent))
	return nil
}

// nextPacket builds the next frame; callers hold mu
func (p *DemoProvider) nextPacket() []byte {
	p.sent++
	if p.config.MalformedEvery > 0 && p.sent%p.config.MalformedEvery == 0 {
		corrupt := [][]byte{[]byte("E"), []byte("BxE"), []byte("Q12E")}
		return corrupt[p.rng.IntN(len(corrupt))]
	}

	reading := p.config.BaseReading + int64(p.rng.IntN(41)) - 20
	if reading < 0 {
		reading = 0
	}
	pkt := append([]byte{'B'}, strconv.FormatInt(reading, 10)...)
	return append(pkt, 'E')
}

// takeChunk splits off between one and all pending bytes; callers hold mu
func (p *DemoProvider) takeChunk() []byte {
	n := 1 + p.rng.IntN(len(p.pending))
	chunk := make([]byte, n)
	copy(chunk, p.pending[:n])
	p.pending = p.pending[n:]
	return chunk
}
