// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"sensor-reader/internal/discovery"
)

// ScannerType identifies the serial port scanner
const ScannerType = "serial"

// portLister returns the detailed list of serial ports on the host
type portLister func() ([]*enumerator.PortDetails, error)

// Scanner enumerates serial ports and reports USB UART bridges
type Scanner struct {
	logger *zap.Logger
	list   portLister
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger: logger.With(zap.String("scanner", ScannerType)),
		list:   enumerator.GetDetailedPortsList,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return ScannerType
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan lists serial ports. USB-backed ports rank above plain UARTs.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	discovered := make([]*discovery.DiscoveredDevice, 0, len(ports))
	for _, p := range ports {
		d := &discovery.DiscoveredDevice{
			Source:     ScannerType,
			Port:       p.Name,
			Confidence: 0.3,
		}
		if p.IsUSB {
			d.VendorID = p.VID
			d.ProductID = p.PID
			d.SerialNumber = p.SerialNumber
			d.Product = p.Product
			d.Confidence = 0.7
		}
		discovered = append(discovered, d)
	}

	s.logger.Debug("Serial scan completed", zap.Int("ports_found", len(discovered)))
	return discovered, nil
}
