// internal/transport/factory.go
package transport

import (
	"fmt"

	"go.uber.org/zap"

	"sensor-reader/internal/config"
)

// CreateProvider creates the provider selected by transport.type
func CreateProvider(cfg *config.TransportConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case config.TransportBLE:
		logger.Info("Creating BLE transport", zap.Int("notify_buffer", cfg.BLE.NotifyBuffer))
		return NewBLEProvider(BLEConfig{NotifyBuffer: cfg.BLE.NotifyBuffer}, logger), nil

	case config.TransportSerial:
		if cfg.Serial.Port == "" && cfg.Serial.PortPattern == "" && cfg.Serial.VendorID == "" {
			return nil, fmt.Errorf("serial port, port_pattern or vendor_id is required")
		}
		logger.Info("Creating serial transport",
			zap.String("port", cfg.Serial.Port),
			zap.String("port_pattern", cfg.Serial.PortPattern),
			zap.Int("baud_rate", cfg.Serial.BaudRate),
		)
		return NewSerialProvider(SerialConfig{
			Port:        cfg.Serial.Port,
			PortPattern: cfg.Serial.PortPattern,
			VendorID:    cfg.Serial.VendorID,
			ProductID:   cfg.Serial.ProductID,
			BaudRate:    cfg.Serial.BaudRate,
			DataBits:    cfg.Serial.DataBits,
			StopBits:    cfg.Serial.StopBits,
			Parity:      cfg.Serial.Parity,
		}, logger), nil

	case config.TransportDemo:
		logger.Info("Creating demo transport", zap.Duration("interval", cfg.Demo.Interval))
		return NewDemoProvider(DemoConfig{
			Interval:        cfg.Demo.Interval,
			MalformedEvery:  cfg.Demo.MalformedEvery,
			Seed:            cfg.Demo.Seed,
			BaseReading:     cfg.Demo.BaseReading,
			DisconnectAfter: cfg.Demo.DisconnectAfter,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// SignatureFromConfig builds the device signature
func SignatureFromConfig(cfg *config.TransportConfig) Signature {
	return Signature{
		Name:        cfg.Signature.Name,
		ServiceUUID: cfg.Signature.ServiceUUID,
	}
}
