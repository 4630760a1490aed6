package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// USBTMC message identifiers (USBTMC 1.0 §3.2.2.3).
const (
	usbtmcDevDepMsgOut       byte = 1
	usbtmcRequestDevDepMsgIn byte = 2
	usbtmcDevDepMsgIn        byte = 2

	usbtmcHeaderSize = 12
	usbtmcEOM        byte = 0x01
)

// USB interface class/subclass identifying a USBTMC interface.
const (
	usbClassApplication = 0xFE
	usbSubclassTMC      = 0x03
)

// usbtmc drives a Test & Measurement Class instrument over bulk endpoints:
// writes go out as DEV_DEP_MSG_OUT transfers with the EOM bit on the final
// one, reads are solicited with REQUEST_DEV_DEP_MSG_IN and drained from the
// bulk-IN endpoint. Endpoints are exclusive, which is why usbtmc devices
// default to requires_lock.
type usbtmc struct {
	vendorID     gousb.ID
	productID    gousb.ID
	serialNumber string
	ioTimeout    time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	usbCtx *gousb.Context
	device *gousb.Device
	intf   *gousb.Interface
	done   func()
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	bTag   byte
	outbuf []byte
}

func newUSBTMC(dev config.DeviceConfig, logger *slog.Logger) *usbtmc {
	a := &usbtmc{
		serialNumber: dev.SerialNumber,
		ioTimeout:    ioTimeoutFor(dev),
		logger:       logger,
	}
	if dev.VendorID != nil {
		a.vendorID = gousb.ID(*dev.VendorID)
	}
	if dev.ProductID != nil {
		a.productID = gousb.ID(*dev.ProductID)
	}
	return a
}

func (a *usbtmc) Connect() error    { return nil }
func (a *usbtmc) Disconnect() error { return nil }

func (a *usbtmc) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil {
		return nil
	}

	usbCtx := gousb.NewContext()
	device, err := a.open(usbCtx)
	if err != nil {
		usbCtx.Close()
		return vxi11fault.Wrap(vxi11fault.DeviceNotAccessible, err)
	}

	intf, done, err := a.claim(device)
	if err != nil {
		device.Close()
		usbCtx.Close()
		return vxi11fault.Wrap(vxi11fault.DeviceNotAccessible, err)
	}

	epOut, epIn, err := bulkEndpoints(intf)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return vxi11fault.Wrap(vxi11fault.DeviceNotAccessible, err)
	}

	a.usbCtx = usbCtx
	a.device = device
	a.intf = intf
	a.done = done
	a.epOut = epOut
	a.epIn = epIn
	a.logger.Debug("usbtmc device opened",
		"vendor_id", fmt.Sprintf("%04x", uint16(a.vendorID)),
		"product_id", fmt.Sprintf("%04x", uint16(a.productID)))
	return nil
}

// open enumerates by VID/PID, further narrowed by serial number when the
// device definition carries one.
func (a *usbtmc) open(usbCtx *gousb.Context) (*gousb.Device, error) {
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == a.vendorID && desc.Product == a.productID
	})
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("usbtmc: enumerate %04x:%04x: %w", uint16(a.vendorID), uint16(a.productID), err)
	}

	var selected *gousb.Device
	for _, device := range devices {
		if selected == nil && a.matchSerial(device) {
			selected = device
			continue
		}
		device.Close()
	}
	if selected == nil {
		return nil, fmt.Errorf("usbtmc: no device %04x:%04x (serial %q) found",
			uint16(a.vendorID), uint16(a.productID), a.serialNumber)
	}
	return selected, nil
}

func (a *usbtmc) matchSerial(device *gousb.Device) bool {
	if a.serialNumber == "" {
		return true
	}
	serial, err := device.SerialNumber()
	return err == nil && serial == a.serialNumber
}

// claim selects configuration 1, walks it for the TMC interface and claims it.
func (a *usbtmc) claim(device *gousb.Device) (*gousb.Interface, func(), error) {
	cfg, err := device.Config(1)
	if err != nil {
		return nil, nil, fmt.Errorf("usbtmc: set configuration: %w", err)
	}
	for _, ifDesc := range cfg.Desc.Interfaces {
		for _, alt := range ifDesc.AltSettings {
			if alt.Class == usbClassApplication && alt.SubClass == usbSubclassTMC {
				intf, err := cfg.Interface(ifDesc.Number, alt.Alternate)
				if err != nil {
					cfg.Close()
					return nil, nil, fmt.Errorf("usbtmc: claim interface %d: %w", ifDesc.Number, err)
				}
				done := func() {
					intf.Close()
					cfg.Close()
				}
				return intf, done, nil
			}
		}
	}
	cfg.Close()
	return nil, nil, fmt.Errorf("usbtmc: device has no TMC class interface")
}

func bulkEndpoints(intf *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	var outNum, inNum int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			outNum = ep.Number
		} else {
			inNum = ep.Number
		}
	}
	epOut, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, fmt.Errorf("usbtmc: open OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, fmt.Errorf("usbtmc: open IN endpoint: %w", err)
	}
	return epOut, epIn, nil
}

func (a *usbtmc) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		a.done()
		a.done = nil
		a.intf = nil
	}
	if a.device != nil {
		a.device.Close()
		a.device = nil
	}
	if a.usbCtx != nil {
		a.usbCtx.Close()
		a.usbCtx = nil
	}
	a.epOut, a.epIn = nil, nil
	a.outbuf = nil
	return nil
}

// nextTag advances the transfer tag; zero is reserved, so it wraps 1..255.
func (a *usbtmc) nextTag() byte {
	a.bTag++
	if a.bTag == 0 {
		a.bTag = 1
	}
	return a.bTag
}

func (a *usbtmc) Write(ctx context.Context, data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epOut == nil {
		return 0, errNotAcquired()
	}
	ctx, cancel := ensureDeadline(ctx, a.ioTimeout)
	defer cancel()

	tag := a.nextTag()
	header := make([]byte, usbtmcHeaderSize)
	header[0] = usbtmcDevDepMsgOut
	header[1] = tag
	header[2] = ^tag
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	header[8] = usbtmcEOM

	transfer := append(header, data...)
	if pad := len(data) % 4; pad != 0 {
		transfer = append(transfer, make([]byte, 4-pad)...)
	}
	if _, err := a.epOut.WriteContext(ctx, transfer); err != nil {
		return 0, wrapIOErr(err)
	}
	return len(data), nil
}

func (a *usbtmc) Read(ctx context.Context, maxBytes int) ([]byte, Reason, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epIn == nil {
		return nil, 0, errNotAcquired()
	}
	if len(a.outbuf) > 0 {
		return a.drainLocked(maxBytes)
	}
	ctx, cancel := ensureDeadline(ctx, a.ioTimeout)
	defer cancel()

	if maxBytes <= 0 {
		maxBytes = a.epIn.Desc.MaxPacketSize
	}
	if err := a.requestIn(ctx, maxBytes); err != nil {
		return nil, 0, wrapIOErr(err)
	}

	buf := make([]byte, usbtmcHeaderSize+maxBytes+3)
	n, err := a.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, 0, wrapIOErr(err)
	}
	if n < usbtmcHeaderSize {
		return nil, 0, vxi11fault.Newf(vxi11fault.IOError, "usbtmc: short bulk-in transfer of %d bytes", n)
	}
	if buf[0] != usbtmcDevDepMsgIn {
		return nil, 0, vxi11fault.Newf(vxi11fault.IOError, "usbtmc: unexpected message id %d", buf[0])
	}
	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	if size > n-usbtmcHeaderSize {
		size = n - usbtmcHeaderSize
	}
	a.outbuf = append(a.outbuf, buf[usbtmcHeaderSize:usbtmcHeaderSize+size]...)
	return a.drainLocked(maxBytes)
}

// requestIn solicits up to maxBytes from the instrument.
func (a *usbtmc) requestIn(ctx context.Context, maxBytes int) error {
	tag := a.nextTag()
	header := make([]byte, usbtmcHeaderSize)
	header[0] = usbtmcRequestDevDepMsgIn
	header[1] = tag
	header[2] = ^tag
	binary.LittleEndian.PutUint32(header[4:8], uint32(maxBytes))
	_, err := a.epOut.WriteContext(ctx, header)
	return err
}

func (a *usbtmc) drainLocked(maxBytes int) ([]byte, Reason, error) {
	if maxBytes > 0 && len(a.outbuf) > maxBytes {
		out := a.outbuf[:maxBytes]
		a.outbuf = a.outbuf[maxBytes:]
		return out, ReasonRequestCount, nil
	}
	out := a.outbuf
	a.outbuf = nil
	return out, ReasonEnd, nil
}
