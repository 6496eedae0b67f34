package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensor-reader/internal/connection"
	"sensor-reader/internal/model"
	"sensor-reader/internal/processor"
	"sensor-reader/internal/transport"
)

type stubDevice struct{}

func (stubDevice) ID() string   { return "stub" }
func (stubDevice) Name() string { return "stub" }

type stubService struct{}

func (stubService) Device() transport.DeviceHandle { return stubDevice{} }
func (stubService) UUID() string                   { return "uart" }

// cycle scripts one connection cycle
type cycle struct {
	powerErr error
	scanErr  error
	chunks   []string
	endErr   error // returned after chunks; nil blocks until ctx ends
}

type scriptedProvider struct {
	mu          sync.Mutex
	cycles      []cycle
	current     cycle
	disconnects int
}

func (p *scriptedProvider) Type() string { return "scripted" }

func (p *scriptedProvider) PowerOnAdapter(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cycles) > 0 {
		p.current = p.cycles[0]
		p.cycles = p.cycles[1:]
	} else {
		p.current = cycle{}
	}
	return p.current.powerErr
}

func (p *scriptedProvider) DisconnectMatchingDevices(context.Context, transport.Signature) error {
	return nil
}

func (p *scriptedProvider) ScanForDevice(context.Context, transport.Signature, time.Duration) (transport.DeviceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.scanErr != nil {
		return nil, p.current.scanErr
	}
	return stubDevice{}, nil
}

func (p *scriptedProvider) Connect(context.Context, transport.DeviceHandle) error { return nil }

func (p *scriptedProvider) DiscoverService(context.Context, transport.DeviceHandle) (transport.ServiceHandle, error) {
	return stubService{}, nil
}

func (p *scriptedProvider) ReadChars(ctx context.Context, _ transport.ServiceHandle, _ time.Duration) ([]byte, error) {
	p.mu.Lock()
	if len(p.current.chunks) > 0 {
		c := p.current.chunks[0]
		p.current.chunks = p.current.chunks[1:]
		p.mu.Unlock()
		return []byte(c), nil
	}
	endErr := p.current.endErr
	p.mu.Unlock()

	if endErr != nil {
		return nil, endErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *scriptedProvider) Disconnect(transport.DeviceHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

func (p *scriptedProvider) Stats() transport.Stats { return transport.Stats{} }

type memLog struct {
	mu        sync.Mutex
	records   []model.SampleRecord
	truncates []bool
	closes    int
	failAfter int
}

type memLogWriter struct {
	log *memLog
}

func (w *memLogWriter) Append(rec model.SampleRecord) error {
	w.log.mu.Lock()
	defer w.log.mu.Unlock()
	if w.log.failAfter > 0 && len(w.log.records) >= w.log.failAfter {
		return errors.New("no space left on device")
	}
	w.log.records = append(w.log.records, rec)
	return nil
}

func (w *memLogWriter) Close() error {
	w.log.mu.Lock()
	defer w.log.mu.Unlock()
	w.log.closes++
	return nil
}

func (l *memLog) factory(truncate bool) (processor.SampleWriter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.truncates = append(l.truncates, truncate)
	return &memLogWriter{log: l}, nil
}

func (l *memLog) readings() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, len(l.records))
	for i, r := range l.records {
		out[i] = r.Reading
	}
	return out
}

func newRunner(p transport.Provider, log *memLog, strategy ReconnectStrategy) *Runner {
	mgr := connection.NewManager(p, connection.Config{ScanTimeout: time.Second, ReadTimeout: time.Minute}, zap.NewNop())
	return NewRunner(mgr, log.factory, strategy, RunnerConfig{QueueCapacity: 16, TruncateOnStart: true}, zap.NewNop())
}

func TestRunner_ShutdownDrainsQueuedPackets(t *testing.T) {
	p := &scriptedProvider{cycles: []cycle{{chunks: []string{"B1EB2", "EB3"}}}}
	log := &memLog{}
	r := newRunner(p, log, Backoff{InitialDelay: time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(log.readings()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, <-errCh)

	assert.Equal(t, []int64{1, 2}, log.readings())
	assert.Equal(t, 1, log.closes)
	assert.Equal(t, 1, p.disconnects)

	snap := r.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, int64(2), snap.Totals.Recorded)
	assert.Equal(t, int64(1), snap.Totals.Discarded)
}

func TestRunner_OnceReturnsAfterFailedCycle(t *testing.T) {
	p := &scriptedProvider{cycles: []cycle{{chunks: []string{"B42E"}, endErr: transport.ErrReadTimeout}}}
	log := &memLog{}
	r := newRunner(p, log, Once{})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrReadTimeout)
	assert.Equal(t, []int64{42}, log.readings())
	assert.Equal(t, 1, log.closes)
}

func TestRunner_BackoffReconnectsAndAppends(t *testing.T) {
	p := &scriptedProvider{cycles: []cycle{
		{scanErr: transport.ErrDeviceNotFound},
		{chunks: []string{"B10E"}, endErr: transport.ErrReadTimeout},
		{chunks: []string{"B11E"}, endErr: transport.ErrReadTimeout},
		{scanErr: transport.ErrDeviceNotFound},
	}}
	log := &memLog{}
	r := newRunner(p, log, Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2})

	// productive sessions reset the failure count, so only the last two
	// unproductive cycles in a row exhaust the attempts
	err := r.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, []int64{10, 11}, log.readings())
	assert.Equal(t, []bool{true, false, false, false}, log.truncates)
	assert.Equal(t, int64(4), r.Snapshot().Sessions)
}

func TestRunner_AdapterFailureIsFatal(t *testing.T) {
	p := &scriptedProvider{cycles: []cycle{{powerErr: errors.New("hci0: no such device")}}}
	log := &memLog{}
	r := newRunner(p, log, Backoff{InitialDelay: time.Millisecond})

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrAdapterUnavailable)
	assert.Equal(t, int64(1), r.Snapshot().Sessions)
}

func TestRunner_DurabilityFailureIsFatal(t *testing.T) {
	p := &scriptedProvider{cycles: []cycle{{chunks: []string{"B1EB2E"}}}}
	log := &memLog{failAfter: 1}
	r := newRunner(p, log, Backoff{InitialDelay: time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "no space left on device")
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on durability failure")
	}
	assert.Equal(t, []int64{1}, log.readings())
	assert.Equal(t, 1, p.disconnects)
}

func TestRunner_ShutdownWhenIdle(t *testing.T) {
	r := newRunner(&scriptedProvider{}, &memLog{}, Once{})
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestRunner_RejectsConcurrentRun(t *testing.T) {
	p := &scriptedProvider{}
	r := newRunner(p, &memLog{}, Once{})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	require.Eventually(t, r.Ready, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
}
