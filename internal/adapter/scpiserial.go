package adapter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/serialbus"
)

// scpiSerial speaks line-terminated ASCII over a serial port. The port
// itself is shared through the serial-bus arbiter: each write and each read
// holds the bus for its own duration, so bytes of one transfer never
// interleave with another device's, but a write and the read that follows it
// are separate bus exchanges.
type scpiSerial struct {
	busCfg    serialbus.Config
	writeTerm []byte
	readTerm  []byte
	ioTimeout time.Duration
	logger    *slog.Logger

	mu  sync.Mutex
	bus *serialbus.Bus
}

func newSCPISerial(dev config.DeviceConfig, logger *slog.Logger) *scpiSerial {
	return &scpiSerial{
		busCfg:    busConfigFor(dev),
		writeTerm: []byte(dev.EffectiveWriteTermination()),
		readTerm:  []byte(dev.EffectiveReadTermination()),
		ioTimeout: ioTimeoutFor(dev),
		logger:    logger,
	}
}

func busConfigFor(dev config.DeviceConfig) serialbus.Config {
	return serialbus.Config{
		Address:  dev.SerialPort,
		BaudRate: dev.BaudRate,
		DataBits: dev.DataBits,
		Parity:   dev.Parity,
		StopBits: dev.StopBits,
		Timeout:  ioTimeoutFor(dev),
	}
}

func (a *scpiSerial) Connect() error    { return nil }
func (a *scpiSerial) Disconnect() error { return nil }

func (a *scpiSerial) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		return nil
	}
	bus := serialbus.Acquire(a.busCfg, a.logger)
	// Open the port now so an unreachable device fails the lock transition
	// instead of the first write.
	if err := bus.Do(ctx, func(io.ReadWriteCloser) error { return nil }); err != nil {
		serialbus.Release(bus)
		return wrapIOErr(err)
	}
	a.bus = bus
	return nil
}

func (a *scpiSerial) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		serialbus.Release(a.bus)
		a.bus = nil
	}
	return nil
}

func (a *scpiSerial) Write(ctx context.Context, data []byte) (int, error) {
	a.mu.Lock()
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return 0, errNotAcquired()
	}
	ctx, cancel := ensureDeadline(ctx, a.ioTimeout)
	defer cancel()
	msg := append(append([]byte(nil), data...), a.writeTerm...)
	err := bus.Do(ctx, func(port io.ReadWriteCloser) error {
		_, werr := port.Write(msg)
		return werr
	})
	if err != nil {
		return 0, wrapIOErr(err)
	}
	return len(data), nil
}

func (a *scpiSerial) Read(ctx context.Context, maxBytes int) ([]byte, Reason, error) {
	a.mu.Lock()
	bus := a.bus
	a.mu.Unlock()
	if bus == nil {
		return nil, 0, errNotAcquired()
	}
	ctx, cancel := ensureDeadline(ctx, a.ioTimeout)
	defer cancel()
	var out []byte
	var reason Reason
	err := bus.Do(ctx, func(port io.ReadWriteCloser) error {
		var rerr error
		out, reason, rerr = readTerminated(port, a.readTerm, maxBytes)
		return rerr
	})
	if err != nil {
		return out, reason, wrapIOErr(err)
	}
	return out, reason, nil
}

// ensureDeadline returns ctx unchanged if it already carries a deadline,
// otherwise a child bounded by fallback.
func ensureDeadline(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, fallback)
}
