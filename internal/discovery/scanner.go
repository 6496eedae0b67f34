// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DeviceScanner locates sensor bridges attached to the host
type DeviceScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredDevice represents a candidate sensor bridge
type DiscoveredDevice struct {
	Source       string  `json:"source"`
	Port         string  `json:"port,omitempty"`
	VendorID     string  `json:"vendor_id,omitempty"`
	ProductID    string  `json:"product_id,omitempty"`
	SerialNumber string  `json:"serial_number,omitempty"`
	Product      string  `json:"product,omitempty"`
	Location     string  `json:"location,omitempty"`
	Confidence   float64 `json:"confidence"` // 0.0-1.0
}

// Filter selects devices by port name glob and USB ids. Empty fields match
// anything.
type Filter struct {
	PortPattern string
	VendorID    string
	ProductID   string
}

// Matches reports whether the device satisfies every non-empty criterion
func (f Filter) Matches(d *DiscoveredDevice) bool {
	if f.PortPattern != "" {
		if d.Port == "" {
			return false
		}
		ok, err := path.Match(f.PortPattern, d.Port)
		if err != nil || !ok {
			return false
		}
	}
	if f.VendorID != "" && !sameID(f.VendorID, d.VendorID) {
		return false
	}
	if f.ProductID != "" && !sameID(f.ProductID, d.ProductID) {
		return false
	}
	return true
}

// sameID compares hex ids ignoring case and an optional 0x prefix
func sameID(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		s = strings.TrimPrefix(s, "0x")
		return strings.TrimLeft(s, "0")
	}
	return b != "" && norm(a) == norm(b)
}

// ScannerManager manages all device scanners
type ScannerManager struct {
	scanners map[string]DeviceScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a device scanner
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Debug("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner. A failing scanner is logged and
// skipped. Results are ordered by confidence, highest first.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredDevice, error) {
	var allDevices []*DiscoveredDevice

	for scannerType, scanner := range sm.scanners {
		if err := ctx.Err(); err != nil {
			return allDevices, err
		}

		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Warn("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allDevices = append(allDevices, devices...)
		sm.logger.Debug("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	sort.SliceStable(allDevices, func(i, j int) bool {
		return allDevices[i].Confidence > allDevices[j].Confidence
	})

	return allDevices, nil
}

// ScanByType scans specific scanner type
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredDevice, error) {
	scanner, exists := sm.scanners[scannerType]
	if !exists {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}

	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	return scanner.Scan(ctx)
}

// FindFirst returns the best device of the given scanner type matching f,
// or nil when none does
func (sm *ScannerManager) FindFirst(ctx context.Context, scannerType string, f Filter) (*DiscoveredDevice, error) {
	devices, err := sm.ScanByType(ctx, scannerType)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Confidence > devices[j].Confidence
	})
	for _, d := range devices {
		if f.Matches(d) {
			return d, nil
		}
	}
	return nil, nil
}

// GetAvailableScanners returns list of available scanner types
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for scannerType, scanner := range sm.scanners {
		if scanner.IsAvailable() {
			available = append(available, scannerType)
		}
	}
	sort.Strings(available)
	return available
}
