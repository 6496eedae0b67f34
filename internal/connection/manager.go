// internal/connection/manager.go
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensor-reader/internal/events"
	"sensor-reader/internal/metrics"
	"sensor-reader/internal/model"
	"sensor-reader/internal/queue"
	"sensor-reader/internal/transport"
	"sensor-reader/internal/utils"
)

// State represents the connection manager lifecycle state
type State string

const (
	StateIdle          State = "IDLE"
	StateAdapterReady  State = "ADAPTER_READY"
	StateScanning      State = "SCANNING"
	StateDeviceFound   State = "DEVICE_FOUND"
	StateConnected     State = "CONNECTED"
	StateDiscovering   State = "DISCOVERING"
	StateStreaming     State = "STREAMING"
	StateDisconnecting State = "DISCONNECTING"
	StateFailed        State = "FAILED"
)

// AllStates lists every state, in lifecycle order
var AllStates = []State{
	StateIdle, StateAdapterReady, StateScanning, StateDeviceFound,
	StateConnected, StateDiscovering, StateStreaming, StateDisconnecting, StateFailed,
}

// TokenSink receives stream characters and the sentinel
type TokenSink interface {
	Put(ctx context.Context, tok model.Token) error
}

// Config holds connection timing
type Config struct {
	Signature   transport.Signature
	ScanTimeout time.Duration
	ReadTimeout time.Duration
}

// Status is a snapshot for the status API
type Status struct {
	State       State     `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Device      string    `json:"device,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager drives one transport through connection cycles. Each Run is one
// cycle: locate, connect and stream until the link fails or ctx ends.
type Manager struct {
	provider  transport.Provider
	config    Config
	logger    *zap.Logger
	publisher events.Publisher
	metrics   *metrics.Pipeline

	mu          sync.RWMutex
	state       State
	sessionID   string
	device      string
	connectedAt time.Time
	lastErr     error
}

// Option configures a Manager
type Option func(*Manager)

// WithPublisher sends state changes to an observer
func WithPublisher(pub events.Publisher) Option {
	return func(m *Manager) { m.publisher = pub }
}

// WithMetrics records connection activity on the given collectors
func WithMetrics(p *metrics.Pipeline) Option {
	return func(m *Manager) { m.metrics = p }
}

// NewManager creates a connection manager for provider
func NewManager(provider transport.Provider, config Config, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		config:   config,
		logger:   logger,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		State:       m.state,
		SessionID:   m.sessionID,
		Device:      m.device,
		ConnectedAt: m.connectedAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Run performs one connection cycle, writing every received character to
// sink in arrival order.
//
// On any failure the sentinel is written to sink exactly once so the
// session's processor drains. Cancellation of ctx is not a failure: the
// sentinel is left to the shutdown path. Once connected, the device is
// disconnected exactly once on every exit path.
func (m *Manager) Run(ctx context.Context, sessionID string, sink TokenSink) error {
	log := utils.NewSessionLogger(m.logger, sessionID, m.provider.Type())

	m.mu.Lock()
	m.sessionID = sessionID
	m.device = ""
	m.connectedAt = time.Time{}
	m.lastErr = nil
	m.mu.Unlock()

	var sentinelOnce sync.Once
	fail := func(err error) error {
		m.setState(StateFailed)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()

		sentinelOnce.Do(func() {
			if perr := sink.Put(context.Background(), model.SentinelToken()); perr != nil && !errors.Is(perr, queue.ErrDrained) {
				log.Warn("Failed to enqueue sentinel", zap.Error(perr))
			}
		})
		log.Error("Connection cycle failed", zap.Error(err))
		return err
	}

	m.setState(StateIdle)
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	if err := m.provider.PowerOnAdapter(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, transport.ErrAdapterUnavailable) {
			err = fmt.Errorf("%w: %v", transport.ErrAdapterUnavailable, err)
		}
		return fail(err)
	}
	m.setState(StateAdapterReady)

	m.setState(StateScanning)
	if err := m.provider.DisconnectMatchingDevices(ctx, m.config.Signature); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("Failed to disconnect matching devices", zap.Error(err))
	}

	dev, err := m.provider.ScanForDevice(ctx, m.config.Signature, m.config.ScanTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, transport.ErrDeviceNotFound) {
			log.Warn("Sensor not found", zap.String("signature", m.config.Signature.String()))
		}
		return fail(fmt.Errorf("scan for %s: %w", m.config.Signature, err))
	}
	m.setState(StateDeviceFound)

	if err := m.provider.Connect(ctx, dev); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(fmt.Errorf("connect to %s: %w", dev.ID(), err))
	}
	m.mu.Lock()
	m.device = dev.ID()
	m.connectedAt = time.Now()
	m.mu.Unlock()
	m.setState(StateConnected)
	log.LogConnection("connect", time.Since(start), nil)

	var disconnectOnce sync.Once
	defer disconnectOnce.Do(func() {
		failed := m.State() == StateFailed
		m.setState(StateDisconnecting)
		if err := m.provider.Disconnect(dev); err != nil {
			log.Warn("Failed to disconnect", zap.String("device", dev.ID()), zap.Error(err))
		} else {
			log.LogConnection("disconnect", 0, nil)
		}
		if failed {
			m.setState(StateFailed)
		} else {
			m.setState(StateIdle)
		}
	})

	m.setState(StateDiscovering)
	svc, err := m.provider.DiscoverService(ctx, dev)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(fmt.Errorf("discover service on %s: %w", dev.ID(), err))
	}

	m.setState(StateStreaming)
	log.Info("Streaming sensor data",
		zap.String("device", dev.ID()),
		zap.String("service", svc.UUID()),
		zap.Duration("read_timeout", m.config.ReadTimeout),
	)

	for {
		chunk, err := m.provider.ReadChars(ctx, svc, m.config.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrReadTimeout) {
				err = fmt.Errorf("no data for %s: %w", m.config.ReadTimeout, err)
			}
			return fail(fmt.Errorf("stream read failed: %w", err))
		}

		m.metrics.ObserveBytes(len(chunk))
		for _, c := range chunk {
			if err := sink.Put(ctx, model.CharToken(c)); err != nil {
				if errors.Is(err, queue.ErrDrained) {
					m.setState(StateFailed)
					m.mu.Lock()
					m.lastErr = err
					m.mu.Unlock()
					log.Warn("Packet processor exited, stopping stream")
					return fmt.Errorf("stream stopped: %w", err)
				}
				return err
			}
		}
	}
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	sessionID := m.sessionID
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.logger.Debug("Connection state changed",
		zap.String("session_id", sessionID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)

	if m.metrics != nil {
		names := make([]string, len(AllStates))
		for i, s := range AllStates {
			names[i] = string(s)
		}
		m.metrics.SetState(string(next), names)
	}

	if m.publisher != nil {
		m.publisher.Publish(model.PipelineEvent{
			Type:      model.EventStateChange,
			SessionID: sessionID,
			Data: map[string]interface{}{
				"from": string(prev),
				"to":   string(next),
			},
			Timestamp: time.Now(),
		})
	}
}
