// Package adapter defines the uniform backend contract every transport
// implements — loopback, SCPI over TCP or serial, USBTMC, the three MODBUS
// framings, and the generic regex-template transport — plus the factory that
// turns a validated device definition into a live adapter. Construction and
// Connect are metadata-only; Acquire is the single point that opens the
// physical resource, and Release the single point that closes it.
package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// Reason is the bitmask a Read returns, describing why it stopped: bit 0
// request size satisfied, bit 1 termination character matched, bit 2 end of
// message.
type Reason uint32

const (
	ReasonRequestCount Reason = 1 << 0
	ReasonTermChar     Reason = 1 << 1
	ReasonEnd          Reason = 1 << 2
)

// Adapter is the contract between the core engine and a backend transport.
//
// Connect and Disconnect manage only in-memory state and never touch
// hardware. Acquire opens the physical resource and may block on I/O; it is
// bounded by ctx and leaves the adapter closed on failure. Release is an
// idempotent close. Write and Read called before a successful Acquire fail
// with an IOError fault.
type Adapter interface {
	Connect() error
	Disconnect() error
	Acquire(ctx context.Context) error
	Release() error
	Write(ctx context.Context, data []byte) (int, error)
	Read(ctx context.Context, maxBytes int) ([]byte, Reason, error)
}

// errNotAcquired is the fault Write/Read raise when the physical resource
// has not been opened.
func errNotAcquired() error {
	return vxi11fault.Newf(vxi11fault.IOError, "adapter not acquired")
}

// New constructs the adapter for one named device definition. rules is the
// device's mapping list (only meaningful for MODBUS and generic-regex
// transports). No hardware is touched.
func New(name string, dev config.DeviceConfig, rules []config.MappingRule, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", name)

	switch dev.Type {
	case config.TransportLoopback:
		return NewLoopback(), nil
	case config.TransportSCPITCP:
		return newSCPITCP(dev, logger), nil
	case config.TransportSCPISerial:
		return newSCPISerial(dev, logger), nil
	case config.TransportModbusTCP:
		return newModbusTCP(dev, rules, logger)
	case config.TransportModbusRTU:
		return newModbusRTU(dev, rules, logger)
	case config.TransportModbusASCII:
		return newModbusASCII(dev, rules, logger)
	case config.TransportUSBTMC:
		return newUSBTMC(dev, logger), nil
	case config.TransportGenericRegex:
		return newGenericRegex(dev, rules, logger)
	default:
		return nil, fmt.Errorf("adapter: unknown transport type %q", dev.Type)
	}
}

// ResourceKey derives the physical-device identifier used by the lock
// table. Two logical devices share a key only when they share hardware that
// the transport makes exclusive: a serial path, a USB identity, a TCP
// endpoint. Loopback devices are purely logical, so each gets its own key.
func ResourceKey(name string, dev config.DeviceConfig) string {
	switch dev.Type {
	case config.TransportSCPITCP, config.TransportModbusTCP:
		return fmt.Sprintf("tcp:%s:%d", dev.Host, dev.Port)
	case config.TransportSCPISerial, config.TransportModbusRTU, config.TransportModbusASCII:
		return "serial:" + dev.SerialPort
	case config.TransportUSBTMC:
		vid, pid := uint16(0), uint16(0)
		if dev.VendorID != nil {
			vid = *dev.VendorID
		}
		if dev.ProductID != nil {
			pid = *dev.ProductID
		}
		return fmt.Sprintf("usb:%04x:%04x:%s", vid, pid, dev.SerialNumber)
	case config.TransportGenericRegex:
		if dev.SerialPort != "" {
			return "serial:" + dev.SerialPort
		}
		if dev.Host != "" {
			return fmt.Sprintf("tcp:%s:%d", dev.Host, dev.Port)
		}
		return "generic:" + name
	default:
		return "device:" + name
	}
}
