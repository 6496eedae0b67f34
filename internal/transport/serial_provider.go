// internal/transport/serial_provider.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sensor-reader/internal/discovery"
	serialscan "sensor-reader/internal/discovery/serial"
	usbscan "sensor-reader/internal/discovery/usb"
)

// SerialConfig configures a UART bridge such as a BLE UART Friend
type SerialConfig struct {
	Port        string
	PortPattern string
	VendorID    string
	ProductID   string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
}

// serialPollInterval bounds each blocking port read so ctx is observed
const serialPollInterval = time.Second

// SerialProvider reads the sensor stream from a serial port
type SerialProvider struct {
	statsTracker

	config   SerialConfig
	scanners *discovery.ScannerManager
	logger   *zap.Logger
	open     func(name string, mode *serial.Mode) (serial.Port, error)

	mu      sync.Mutex
	current *serialDevice
}

type serialDevice struct {
	port   string
	name   string
	handle serial.Port
}

func (d *serialDevice) ID() string   { return d.port }
func (d *serialDevice) Name() string { return d.name }

type serialService struct {
	dev *serialDevice
}

func (s *serialService) Device() DeviceHandle { return s.dev }
func (s *serialService) UUID() string         { return "uart" }

// NewSerialProvider creates a serial provider using the serial and USB
// scanners for device location
func NewSerialProvider(config SerialConfig, logger *zap.Logger) *SerialProvider {
	if config.BaudRate == 0 {
		config.BaudRate = 9600
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if config.StopBits == 0 {
		config.StopBits = 1
	}

	logger = logger.With(zap.String("transport", "serial"))
	scanners := discovery.NewScannerManager(logger)
	scanners.RegisterScanner(serialscan.NewScanner(logger))
	scanners.RegisterScanner(usbscan.NewScanner(logger))

	return &SerialProvider{
		config:   config,
		scanners: scanners,
		logger:   logger,
		open:     serial.Open,
	}
}

// Type returns the provider type
func (p *SerialProvider) Type() string {
	return "serial"
}

// PowerOnAdapter confirms the USB bridge is attached when a vendor id is
// configured and libusb is usable
func (p *SerialProvider) PowerOnAdapter(ctx context.Context) error {
	if p.config.VendorID == "" {
		return nil
	}
	if !containsString(p.scanners.GetAvailableScanners(), usbscan.ScannerType) {
		p.logger.Debug("USB enumeration unavailable, skipping bridge check")
		return nil
	}

	dev, err := p.scanners.FindFirst(ctx, usbscan.ScannerType, discovery.Filter{
		VendorID:  p.config.VendorID,
		ProductID: p.config.ProductID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	if dev == nil {
		return fmt.Errorf("%w: no usb bridge %s:%s attached", ErrAdapterUnavailable, p.config.VendorID, p.config.ProductID)
	}

	p.logger.Info("USB bridge attached",
		zap.String("vendor_id", dev.VendorID),
		zap.String("product_id", dev.ProductID),
		zap.String("location", dev.Location),
	)
	return nil
}

// DisconnectMatchingDevices closes a port left open by an earlier cycle
func (p *SerialProvider) DisconnectMatchingDevices(ctx context.Context, sig Signature) error {
	p.mu.Lock()
	stale := p.current
	p.mu.Unlock()

	if stale != nil {
		p.logger.Info("Closing stale serial port", zap.String("port", stale.port))
		if err := p.Disconnect(stale); err != nil {
			p.logger.Warn("Failed to close stale serial port", zap.Error(err))
		}
	}
	return ctx.Err()
}

// ScanForDevice polls the serial enumerator until a matching port appears
func (p *SerialProvider) ScanForDevice(ctx context.Context, sig Signature, timeout time.Duration) (DeviceHandle, error) {
	filter := discovery.Filter{
		PortPattern: p.config.PortPattern,
		VendorID:    p.config.VendorID,
		ProductID:   p.config.ProductID,
	}
	if p.config.Port != "" {
		filter.PortPattern = p.config.Port
	}

	deadline := time.Now().Add(timeout)
	for {
		dev, err := p.scanners.FindFirst(ctx, serialscan.ScannerType, filter)
		if err != nil {
			p.recordError()
			return nil, fmt.Errorf("serial scan failed: %w", err)
		}
		if dev != nil {
			name := dev.Product
			if name == "" {
				name = sig.Name
			}
			p.logger.Info("Serial port found", zap.String("port", dev.Port), zap.String("product", dev.Product))
			return &serialDevice{port: dev.Port, name: name}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrDeviceNotFound
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(serialPollInterval):
		}
	}
}

// Connect opens the serial port
func (p *SerialProvider) Connect(ctx context.Context, dev DeviceHandle) error {
	d, ok := dev.(*serialDevice)
	if !ok {
		return ErrInvalidHandle
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mode := &serial.Mode{
		BaudRate: p.config.BaudRate,
		DataBits: p.config.DataBits,
		StopBits: stopBits(p.config.StopBits),
		Parity:   parity(p.config.Parity),
	}

	port, err := p.open(d.port, mode)
	if err != nil {
		p.recordError()
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.SetReadTimeout(serialPollInterval); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	// drop whatever the bridge buffered before we attached
	if err := port.ResetInputBuffer(); err != nil {
		p.logger.Debug("Failed to reset input buffer", zap.Error(err))
	}

	d.handle = port
	p.mu.Lock()
	p.current = d
	p.mu.Unlock()
	p.setConnected(true)

	p.logger.Info("Serial port opened successfully",
		zap.String("port", d.port),
		zap.Int("baud_rate", p.config.BaudRate),
	)
	return nil
}

// DiscoverService returns the UART stream of an open port
func (p *SerialProvider) DiscoverService(ctx context.Context, dev DeviceHandle) (ServiceHandle, error) {
	d, ok := dev.(*serialDevice)
	if !ok {
		return nil, ErrInvalidHandle
	}
	if d.handle == nil {
		return nil, ErrNotConnected
	}
	return &serialService{dev: d}, ctx.Err()
}

// ReadChars reads until at least one byte arrives or timeout elapses
func (p *SerialProvider) ReadChars(ctx context.Context, svc ServiceHandle, timeout time.Duration) ([]byte, error) {
	s, ok := svc.(*serialService)
	if !ok {
		return nil, ErrInvalidHandle
	}
	port := s.dev.handle
	if port == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, 64)
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := port.Read(buf)
		if n > 0 {
			p.recordRead(n)
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		if err != nil {
			p.recordError()
			if errors.Is(err, io.EOF) {
				return nil, ErrNotConnected
			}
			return nil, fmt.Errorf("failed to read from serial port: %w", err)
		}

		// n == 0 and no error: the poll interval elapsed
		if time.Now().After(deadline) {
			return nil, ErrReadTimeout
		}
	}
}

// Disconnect closes the serial port
func (p *SerialProvider) Disconnect(dev DeviceHandle) error {
	d, ok := dev.(*serialDevice)
	if !ok {
		return ErrInvalidHandle
	}

	p.mu.Lock()
	if p.current == d {
		p.current = nil
	}
	p.mu.Unlock()

	if d.handle == nil {
		return nil
	}
	handle := d.handle
	d.handle = nil
	p.setConnected(false)

	if err := handle.Close(); err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	p.logger.Info("Serial port closed successfully", zap.String("port", d.port))
	return nil
}

func stopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func parity(s string) serial.Parity {
	switch s {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
