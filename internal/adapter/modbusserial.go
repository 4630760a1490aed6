package adapter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/mbclient"
	"github.com/vxi11gw/vxi11gw/internal/serialbus"
)

// modbusSerial is the state shared by the RTU and ASCII framings: the
// arbitrated bus handle and the line settings that drive timing.
type modbusSerial struct {
	busCfg    serialbus.Config
	ioTimeout time.Duration
	logger    *slog.Logger

	busMu sync.Mutex
	bus   *serialbus.Bus
}

func (s *modbusSerial) attach(ctx context.Context) error {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	if s.bus != nil {
		return nil
	}
	bus := serialbus.Acquire(s.busCfg, s.logger)
	if err := bus.Do(ctx, func(io.ReadWriteCloser) error { return nil }); err != nil {
		serialbus.Release(bus)
		return wrapIOErr(err)
	}
	s.bus = bus
	return nil
}

func (s *modbusSerial) detach() error {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	if s.bus != nil {
		serialbus.Release(s.bus)
		s.bus = nil
	}
	return nil
}

func (s *modbusSerial) currentBus() *serialbus.Bus {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	return s.bus
}

// modbusRTU frames PDUs as unit-id + PDU + CRC-16 on an arbitrated serial
// bus. The bus mutex is held across the whole exchange, so two logical
// devices multi-dropped on one RS-485 line never interleave frames.
type modbusRTU struct {
	*modbusCore
	serial   modbusSerial
	lastSend time.Time
}

func newModbusRTU(dev config.DeviceConfig, rules []config.MappingRule, logger *slog.Logger) (*modbusRTU, error) {
	core, err := newModbusCore(dev, rules, logger)
	if err != nil {
		return nil, err
	}
	a := &modbusRTU{
		modbusCore: core,
		serial: modbusSerial{
			busCfg:    busConfigFor(dev),
			ioTimeout: ioTimeoutFor(dev),
			logger:    logger,
		},
	}
	core.acquire = a.serial.attach
	core.release = a.serial.detach
	core.exchange = a.send
	return a, nil
}

func (a *modbusRTU) send(ctx context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
	var zero mbclient.ProtocolDataUnit
	bus := a.serial.currentBus()
	if bus == nil {
		return zero, errNotAcquired()
	}
	adu, err := mbclient.EncodeRTUADU(a.unitID, pdu)
	if err != nil {
		return zero, err
	}

	ctx, cancel := ensureDeadline(ctx, a.serial.ioTimeout)
	defer cancel()

	frameDelay := mbclient.FrameDelay(a.serial.busCfg.BaudRate)
	var resp mbclient.ProtocolDataUnit
	err = bus.Do(ctx, func(port io.ReadWriteCloser) error {
		// Inter-frame silence of at least 3.5 character times before this
		// frame goes on the wire.
		if since := time.Since(a.lastSend); since < frameDelay {
			time.Sleep(frameDelay - since)
		}
		if _, werr := port.Write(adu); werr != nil {
			return werr
		}
		a.lastSend = time.Now()

		deadline, _ := ctx.Deadline()
		frame, rerr := mbclient.ReadRTUFrame(port, a.unitID, pdu.FunctionCode, deadline)
		if rerr != nil {
			return rerr
		}
		a.lastSend = time.Now()
		resp, rerr = mbclient.DecodeRTUADU(a.unitID, frame)
		return rerr
	})
	if err != nil {
		return zero, err
	}
	return resp, nil
}

// modbusASCII frames PDUs as ':' + hex(unit + PDU + LRC) + CRLF on an
// arbitrated serial bus.
type modbusASCII struct {
	*modbusCore
	serial modbusSerial
}

func newModbusASCII(dev config.DeviceConfig, rules []config.MappingRule, logger *slog.Logger) (*modbusASCII, error) {
	core, err := newModbusCore(dev, rules, logger)
	if err != nil {
		return nil, err
	}
	a := &modbusASCII{
		modbusCore: core,
		serial: modbusSerial{
			busCfg:    busConfigFor(dev),
			ioTimeout: ioTimeoutFor(dev),
			logger:    logger,
		},
	}
	core.acquire = a.serial.attach
	core.release = a.serial.detach
	core.exchange = a.send
	return a, nil
}

func (a *modbusASCII) send(ctx context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
	var zero mbclient.ProtocolDataUnit
	bus := a.serial.currentBus()
	if bus == nil {
		return zero, errNotAcquired()
	}
	adu := mbclient.EncodeASCIIADU(a.unitID, pdu)

	ctx, cancel := ensureDeadline(ctx, a.serial.ioTimeout)
	defer cancel()

	var resp mbclient.ProtocolDataUnit
	err := bus.Do(ctx, func(port io.ReadWriteCloser) error {
		if _, werr := port.Write(adu); werr != nil {
			return werr
		}
		frame, rerr := readASCIIFrame(ctx, port)
		if rerr != nil {
			return rerr
		}
		resp, rerr = mbclient.DecodeASCIIADU(a.unitID, frame)
		return rerr
	})
	if err != nil {
		return zero, err
	}
	return resp, nil
}

// readASCIIFrame accumulates bytes until a complete ':'-to-CRLF frame is
// seen, discarding noise before the start delimiter.
func readASCIIFrame(ctx context.Context, r io.Reader) ([]byte, error) {
	var frame []byte
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
		if len(frame) == 0 && buf[0] != ':' {
			continue
		}
		frame = append(frame, buf[0])
		if mbclient.IsCompleteASCIIFrame(frame) {
			return frame, nil
		}
	}
}
