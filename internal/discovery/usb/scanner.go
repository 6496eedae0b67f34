// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"sensor-reader/internal/discovery"
)

// ScannerType identifies the USB descriptor scanner
const ScannerType = "usb"

// Scanner enumerates USB descriptors to confirm a bridge is attached.
// Devices are never opened.
type Scanner struct {
	logger  *zap.Logger
	bridges *BridgeDatabase

	once      sync.Once
	available bool
}

// NewScanner creates a new USB scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:  logger.With(zap.String("scanner", ScannerType)),
		bridges: NewBridgeDatabase(),
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return ScannerType
}

// IsAvailable reports whether libusb can enumerate devices on this host
func (s *Scanner) IsAvailable() bool {
	s.once.Do(func() {
		_, err := s.enumerate(func(*gousb.DeviceDesc) {})
		if err != nil {
			s.logger.Debug("USB subsystem not accessible", zap.Error(err))
		}
		s.available = err == nil
	})
	return s.available
}

// Scan reports every attached device from a known bridge vendor
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var discovered []*discovery.DiscoveredDevice
	_, err := s.enumerate(func(desc *gousb.DeviceDesc) {
		info := s.bridges.Lookup(desc.Vendor)
		if info == nil {
			return
		}
		discovered = append(discovered, &discovery.DiscoveredDevice{
			Source:     ScannerType,
			VendorID:   desc.Vendor.String(),
			ProductID:  desc.Product.String(),
			Product:    info.Name,
			Location:   fmt.Sprintf("USB-Bus%d-Port%d", desc.Bus, desc.Port),
			Confidence: info.Confidence,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	s.logger.Debug("USB scan completed", zap.Int("bridges_found", len(discovered)))
	return discovered, nil
}

// enumerate visits every device descriptor without opening any device
func (s *Scanner) enumerate(visit func(*gousb.DeviceDesc)) (int, error) {
	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()

	count := 0
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		count++
		visit(desc)
		return false
	})
	for _, d := range devices {
		d.Close()
	}
	return count, err
}
