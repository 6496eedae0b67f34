// internal/discovery/usb/database.go
package usb

import "github.com/google/gousb"

// BridgeInfo describes a USB UART bridge vendor
type BridgeInfo struct {
	Name       string
	Confidence float64
}

// BridgeDatabase lists vendors whose USB devices expose a UART the sensor's
// BLE bridge can sit behind
type BridgeDatabase struct {
	vendors map[gousb.ID]*BridgeInfo
}

// NewBridgeDatabase creates and initializes the bridge database
func NewBridgeDatabase() *BridgeDatabase {
	return &BridgeDatabase{
		vendors: map[gousb.ID]*BridgeInfo{
			0x239A: {Name: "Adafruit", Confidence: 0.95},
			0x1915: {Name: "Nordic Semiconductor", Confidence: 0.9},
			0x0403: {Name: "FTDI", Confidence: 0.7},
			0x10C4: {Name: "Silicon Labs", Confidence: 0.7},
			0x1A86: {Name: "WCH", Confidence: 0.6},
			0x067B: {Name: "Prolific", Confidence: 0.6},
		},
	}
}

// Lookup returns the bridge vendor for id, or nil
func (db *BridgeDatabase) Lookup(id gousb.ID) *BridgeInfo {
	return db.vendors[id]
}

// IsKnownVendor reports whether id is a known bridge vendor
func (db *BridgeDatabase) IsKnownVendor(id gousb.ID) bool {
	_, ok := db.vendors[id]
	return ok
}
