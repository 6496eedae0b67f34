package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensor-reader/internal/model"
	"sensor-reader/internal/queue"
	"sensor-reader/internal/transport"
)

type fakeDevice struct{}

func (fakeDevice) ID() string   { return "AA:BB" }
func (fakeDevice) Name() string { return "sensor" }

type fakeService struct{}

func (fakeService) Device() transport.DeviceHandle { return fakeDevice{} }
func (fakeService) UUID() string                   { return "uart" }

type readResult struct {
	data []byte
	err  error
}

// fakeProvider replays scripted reads and records calls. Once the script
// is exhausted ReadChars blocks until ctx ends.
type fakeProvider struct {
	mu          sync.Mutex
	powerErr    error
	scanErr     error
	connectErr  error
	discoverErr error
	reads       []readResult
	calls       []string
	disconnects int
	streaming   chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{streaming: make(chan struct{})}
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) PowerOnAdapter(context.Context) error {
	f.record("power")
	return f.powerErr
}

func (f *fakeProvider) DisconnectMatchingDevices(context.Context, transport.Signature) error {
	f.record("disconnect_matching")
	return nil
}

func (f *fakeProvider) ScanForDevice(context.Context, transport.Signature, time.Duration) (transport.DeviceHandle, error) {
	f.record("scan")
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return fakeDevice{}, nil
}

func (f *fakeProvider) Connect(context.Context, transport.DeviceHandle) error {
	f.record("connect")
	return f.connectErr
}

func (f *fakeProvider) DiscoverService(context.Context, transport.DeviceHandle) (transport.ServiceHandle, error) {
	f.record("discover")
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return fakeService{}, nil
}

func (f *fakeProvider) ReadChars(ctx context.Context, _ transport.ServiceHandle, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	if len(f.reads) > 0 {
		r := f.reads[0]
		f.reads = f.reads[1:]
		f.mu.Unlock()
		return r.data, r.err
	}
	f.mu.Unlock()

	select {
	case <-f.streaming:
	default:
		close(f.streaming)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeProvider) Disconnect(transport.DeviceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.calls = append(f.calls, "disconnect")
	return nil
}

func (f *fakeProvider) Stats() transport.Stats { return transport.Stats{} }

func drainTokens(q *queue.PacketQueue) []model.Token {
	var out []model.Token
	for q.Len() > 0 {
		out = append(out, q.Get())
	}
	return out
}

func countSentinels(tokens []model.Token) int {
	n := 0
	for _, tok := range tokens {
		if tok.IsSentinel() {
			n++
		}
	}
	return n
}

func newManager(p transport.Provider) *Manager {
	return NewManager(p, Config{ScanTimeout: time.Second, ReadTimeout: time.Minute}, zap.NewNop())
}

func TestManager_ReadTimeoutFailsOnce(t *testing.T) {
	p := newFakeProvider()
	p.reads = []readResult{
		{data: []byte("B12")},
		{data: []byte("E")},
		{err: transport.ErrReadTimeout},
	}
	q := queue.New(64)
	m := newManager(p)

	err := m.Run(context.Background(), "s1", q)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrReadTimeout)

	tokens := drainTokens(q)
	require.Len(t, tokens, 5)
	assert.Equal(t, []byte("B12E"), []byte{tokens[0].Char, tokens[1].Char, tokens[2].Char, tokens[3].Char})
	assert.True(t, tokens[4].IsSentinel())

	assert.Equal(t, 1, p.disconnects)
	assert.Equal(t, StateFailed, m.State())
	assert.Contains(t, m.Status().LastError, "read timed out")
}

func TestManager_TransportErrorFailsOnce(t *testing.T) {
	p := newFakeProvider()
	p.reads = []readResult{{err: errors.New("link lost")}}
	q := queue.New(8)

	err := newManager(p).Run(context.Background(), "s1", q)
	assert.ErrorContains(t, err, "link lost")
	assert.Equal(t, 1, countSentinels(drainTokens(q)))
	assert.Equal(t, 1, p.disconnects)
}

func TestManager_CancelDoesNotInjectSentinel(t *testing.T) {
	p := newFakeProvider()
	p.reads = []readResult{{data: []byte("B7")}}
	q := queue.New(8)
	m := newManager(p)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx, "s1", q) }()

	select {
	case <-p.streaming:
	case <-time.After(time.Second):
		t.Fatal("manager never reached streaming")
	}
	assert.Equal(t, StateStreaming, m.State())
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}

	tokens := drainTokens(q)
	assert.Len(t, tokens, 2)
	assert.Equal(t, 0, countSentinels(tokens))
	assert.Equal(t, 1, p.disconnects)
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_AdapterFailure(t *testing.T) {
	p := newFakeProvider()
	p.powerErr = errors.New("hci0 down")
	q := queue.New(8)

	err := newManager(p).Run(context.Background(), "s1", q)
	assert.ErrorIs(t, err, transport.ErrAdapterUnavailable)
	assert.Equal(t, 1, countSentinels(drainTokens(q)))
	assert.Equal(t, 0, p.disconnects)
	assert.Equal(t, []string{"power"}, p.calls)
}

func TestManager_DeviceNotFound(t *testing.T) {
	p := newFakeProvider()
	p.scanErr = transport.ErrDeviceNotFound
	q := queue.New(8)

	err := newManager(p).Run(context.Background(), "s1", q)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
	assert.Equal(t, 1, countSentinels(drainTokens(q)))
	assert.Equal(t, 0, p.disconnects)
	assert.Equal(t, []string{"power", "disconnect_matching", "scan"}, p.calls)
}

func TestManager_DiscoveryFailureDisconnects(t *testing.T) {
	p := newFakeProvider()
	p.discoverErr = transport.ErrServiceNotFound
	q := queue.New(8)

	err := newManager(p).Run(context.Background(), "s1", q)
	assert.ErrorIs(t, err, transport.ErrServiceNotFound)
	assert.Equal(t, 1, countSentinels(drainTokens(q)))
	assert.Equal(t, 1, p.disconnects)
	assert.Equal(t, []string{"power", "disconnect_matching", "scan", "connect", "discover", "disconnect"}, p.calls)
}

func TestManager_StopsWhenProcessorExited(t *testing.T) {
	p := newFakeProvider()
	p.reads = []readResult{{data: []byte("B1E")}}
	q := queue.New(8)
	q.Ack(errors.New("disk full"))

	err := newManager(p).Run(context.Background(), "s1", q)
	assert.ErrorIs(t, err, queue.ErrDrained)
	assert.Equal(t, 1, p.disconnects)
	assert.Equal(t, 0, q.Len())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.PipelineEvent
}

func (r *recordingPublisher) Publish(e model.PipelineEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestManager_PublishesStateChanges(t *testing.T) {
	p := newFakeProvider()
	p.reads = []readResult{{err: transport.ErrReadTimeout}}
	pub := &recordingPublisher{}
	m := NewManager(p, Config{ReadTimeout: time.Minute}, zap.NewNop(), WithPublisher(pub))

	_ = m.Run(context.Background(), "s9", queue.New(8))

	var path []string
	for _, e := range pub.events {
		require.Equal(t, model.EventStateChange, e.Type)
		assert.Equal(t, "s9", e.SessionID)
		path = append(path, e.Data["to"].(string))
	}
	assert.Equal(t, []string{
		"ADAPTER_READY", "SCANNING", "DEVICE_FOUND", "CONNECTED",
		"DISCOVERING", "STREAMING", "FAILED", "DISCONNECTING", "FAILED",
	}, path)
}
