// internal/transport/ble_provider.go
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// BLEConfig configures the Bluetooth LE provider
type BLEConfig struct {
	NotifyBuffer int
}

// BLEProvider reaches the sensor through a Nordic UART service. Bytes from
// TX notifications are buffered on a channel until ReadChars drains them.
type BLEProvider struct {
	statsTracker

	adapter *bluetooth.Adapter
	config  BLEConfig
	logger  *zap.Logger

	mu      sync.Mutex
	devices map[string]*bleDevice
}

type bleDevice struct {
	address bluetooth.Address
	name    string
	device  bluetooth.Device
	service *bleService
}

func (d *bleDevice) ID() string   { return d.address.String() }
func (d *bleDevice) Name() string { return d.name }

type bleService struct {
	dev    *bleDevice
	uuid   bluetooth.UUID
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *bleService) Device() DeviceHandle { return s.dev }
func (s *bleService) UUID() string         { return s.uuid.String() }

func (s *bleService) close() {
	s.once.Do(func() { close(s.closed) })
}

// NewBLEProvider creates a provider on the default adapter
func NewBLEProvider(config BLEConfig, logger *zap.Logger) *BLEProvider {
	if config.NotifyBuffer <= 0 {
		config.NotifyBuffer = 256
	}
	return &BLEProvider{
		adapter: bluetooth.DefaultAdapter,
		config:  config,
		logger:  logger.With(zap.String("transport", "ble")),
		devices: make(map[string]*bleDevice),
	}
}

// Type returns the provider type
func (p *BLEProvider) Type() string {
	return "ble"
}

// PowerOnAdapter enables the host Bluetooth adapter
func (p *BLEProvider) PowerOnAdapter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	p.logger.Info("Bluetooth adapter enabled")
	return nil
}

// DisconnectMatchingDevices drops connections this process still holds to
// devices advertising the signature, left over from an earlier cycle.
// The adapter exposes no list of links opened by other processes, so those
// are not touched here; the host stack releases them when their owner exits.
func (p *BLEProvider) DisconnectMatchingDevices(ctx context.Context, sig Signature) error {
	p.mu.Lock()
	stale := make([]*bleDevice, 0, len(p.devices))
	for _, d := range p.devices {
		if sig.Name == "" || d.name == sig.Name {
			stale = append(stale, d)
		}
	}
	p.mu.Unlock()

	for _, d := range stale {
		p.logger.Info("Disconnecting stale device", zap.String("address", d.ID()))
		if err := p.Disconnect(d); err != nil {
			p.logger.Warn("Failed to disconnect stale device", zap.String("address", d.ID()), zap.Error(err))
		}
	}
	return ctx.Err()
}

// ScanForDevice scans until an advertisement matches the signature or
// timeout elapses
func (p *BLEProvider) ScanForDevice(ctx context.Context, sig Signature, timeout time.Duration) (DeviceHandle, error) {
	serviceUUID, err := parseServiceUUID(sig.ServiceUUID)
	if err != nil {
		return nil, err
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	p.logger.Debug("Scanning for sensor", zap.String("signature", sig.String()), zap.Duration("timeout", timeout))

	go func() {
		scanDone <- p.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesAdvertisement(result, sig, serviceUUID) {
				return
			}
			select {
			case found <- result:
				a.StopScan()
			default:
			}
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result bluetooth.ScanResult
	select {
	case result = <-found:
		<-scanDone
	case err := <-scanDone:
		select {
		case result = <-found:
		default:
			if err != nil {
				p.recordError()
				return nil, fmt.Errorf("bluetooth scan failed: %w", err)
			}
			return nil, ErrDeviceNotFound
		}
	case <-timer.C:
		p.adapter.StopScan()
		<-scanDone
		select {
		case result = <-found:
		default:
			return nil, ErrDeviceNotFound
		}
	case <-ctx.Done():
		p.adapter.StopScan()
		<-scanDone
		return nil, ctx.Err()
	}

	p.logger.Info("Sensor found",
		zap.String("address", result.Address.String()),
		zap.String("name", result.LocalName()),
		zap.Int16("rssi", result.RSSI),
	)
	return &bleDevice{address: result.Address, name: result.LocalName()}, nil
}

// Connect establishes the link to a scanned device
func (p *BLEProvider) Connect(ctx context.Context, dev DeviceHandle) error {
	d, ok := dev.(*bleDevice)
	if !ok {
		return ErrInvalidHandle
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := p.adapter.Connect(d.address, bluetooth.ConnectionParams{})
	if err != nil {
		p.recordError()
		return fmt.Errorf("failed to connect to %s: %w", d.ID(), err)
	}
	d.device = device

	p.mu.Lock()
	p.devices[d.ID()] = d
	p.mu.Unlock()

	p.setConnected(true)
	return nil
}

// DiscoverService locates the UART service and subscribes to TX
// notifications
func (p *BLEProvider) DiscoverService(ctx context.Context, dev DeviceHandle) (ServiceHandle, error) {
	d, ok := dev.(*bleDevice)
	if !ok {
		return nil, ErrInvalidHandle
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	services, err := d.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDNordicUART})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceNotFound, err)
	}
	if len(services) == 0 {
		return nil, ErrServiceNotFound
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDUARTTX})
	if err != nil || len(chars) == 0 {
		return nil, fmt.Errorf("%w: tx characteristic missing", ErrServiceNotFound)
	}

	svc := &bleService{
		dev:    d,
		uuid:   bluetooth.ServiceUUIDNordicUART,
		rx:     make(chan []byte, p.config.NotifyBuffer),
		closed: make(chan struct{}),
	}

	err = chars[0].EnableNotifications(func(buf []byte) {
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		select {
		case svc.rx <- chunk:
		default:
			p.recordDropped(len(chunk))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enable uart notifications: %w", err)
	}

	d.service = svc
	return svc, nil
}

// ReadChars waits for the next notification payload
func (p *BLEProvider) ReadChars(ctx context.Context, svc ServiceHandle, timeout time.Duration) ([]byte, error) {
	s, ok := svc.(*bleService)
	if !ok {
		return nil, ErrInvalidHandle
	}

	data, err := waitChunk(ctx, s.rx, s.closed, timeout)
	if err != nil {
		return nil, err
	}
	p.recordRead(len(data))
	return data, nil
}

// Disconnect drops the link to a device
func (p *BLEProvider) Disconnect(dev DeviceHandle) error {
	d, ok := dev.(*bleDevice)
	if !ok {
		return ErrInvalidHandle
	}

	p.mu.Lock()
	delete(p.devices, d.ID())
	p.mu.Unlock()

	if d.service != nil {
		d.service.close()
	}
	p.setConnected(false)

	if err := d.device.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", d.ID(), err)
	}
	return nil
}

func parseServiceUUID(s string) (bluetooth.UUID, error) {
	if s == "" {
		return bluetooth.ServiceUUIDNordicUART, nil
	}
	uuid, err := bluetooth.ParseUUID(strings.ToLower(s))
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("invalid service uuid %q: %w", s, err)
	}
	return uuid, nil
}

func matchesAdvertisement(result bluetooth.ScanResult, sig Signature, serviceUUID bluetooth.UUID) bool {
	if sig.Name != "" && result.LocalName() != sig.Name {
		return false
	}
	return result.HasServiceUUID(serviceUUID)
}
