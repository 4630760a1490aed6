// Package serialbus arbitrates access to a physical serial port shared by
// several logical MODBUS or SCPI devices: one Bus (open-on-demand,
// idle-timeout close) is shared by every adapter whose device definition
// names the same physical path, and Bus.Do serializes whole
// request/response exchanges across them, so at most one adapter's I/O is
// in progress on a given path at any instant.
package serialbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// Config carries the line settings for scpi-serial and the serial-backed
// MODBUS transports. Timeout bounds a single blocking read on the port.
type Config struct {
	Address  string // e.g. "/dev/ttyUSB0"
	BaudRate int
	DataBits int
	Parity   string // "N", "E", "O"
	StopBits int
	Timeout  time.Duration
}

func (c Config) toSerialConfig() *serial.Config {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &serial.Config{
		Address:  c.Address,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
		Timeout:  timeout,
	}
}

// Bus owns one physical serial port and a mutex that every adapter sharing
// it must hold for the duration of a send-through-response exchange.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	port         io.ReadWriteCloser
	lastActivity time.Time
	idleTimeout  time.Duration
	closeTimer   *time.Timer
	refs         int
}

// registry maps physical serial path -> shared Bus, so two logical devices
// configured with the same path contend on the same mutex rather than each
// opening their own handle.
var (
	registryMu sync.Mutex
	registry   = map[string]*Bus{}
)

// Acquire returns the shared Bus for cfg.Address, creating it on first use.
// Every caller must pair this with Release when it no longer needs the bus
// (link destruction, adapter release).
func Acquire(cfg Config, logger *slog.Logger) *Bus {
	registryMu.Lock()
	defer registryMu.Unlock()

	if b, ok := registry[cfg.Address]; ok {
		b.refs++
		return b
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{cfg: cfg, logger: logger, idleTimeout: 60 * time.Second, refs: 1}
	registry[cfg.Address] = b
	return b
}

// Release drops a reference to the bus; the last releaser closes the
// underlying port.
func Release(b *Bus) {
	registryMu.Lock()
	defer registryMu.Unlock()

	b.refs--
	if b.refs > 0 {
		return
	}
	delete(registry, b.cfg.Address)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// Do runs fn with exclusive access to the port, opening it on first use.
// fn receives the connected port; it must not retain it beyond the call.
// The bus connection is kept open across calls (idle-timeout close), since
// serial devices are comparatively expensive to reopen.
func (b *Bus) Do(ctx context.Context, fn func(port io.ReadWriteCloser) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return err
	}
	b.lastActivity = time.Now()
	b.startCloseTimerLocked()

	if deadline, ok := ctx.Deadline(); ok {
		if setter, ok := b.port.(interface{ SetDeadline(time.Time) error }); ok {
			_ = setter.SetDeadline(deadline)
		}
	}

	if err := fn(b.port); err != nil {
		// A transport-level failure leaves the port in an unknown state;
		// close it so the next exchange reopens cleanly.
		b.closeLocked()
		return err
	}
	return nil
}

// openFunc is the low-level port opener; overridden in tests to avoid
// touching a real serial device.
var openFunc = func(cfg Config) (io.ReadWriteCloser, error) {
	return serial.Open(cfg.toSerialConfig())
}

func (b *Bus) connectLocked() error {
	if b.port != nil {
		return nil
	}
	port, err := openFunc(b.cfg)
	if err != nil {
		return fmt.Errorf("serialbus: open %s: %w", b.cfg.Address, err)
	}
	b.port = port
	b.logger.Debug("serial port opened", "path", b.cfg.Address)
	return nil
}

func (b *Bus) closeLocked() {
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
}

func (b *Bus) startCloseTimerLocked() {
	if b.idleTimeout <= 0 {
		return
	}
	if b.closeTimer == nil {
		b.closeTimer = time.AfterFunc(b.idleTimeout, b.closeIdle)
	} else {
		b.closeTimer.Reset(b.idleTimeout)
	}
}

func (b *Bus) closeIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return
	}
	if idle := time.Since(b.lastActivity); idle >= b.idleTimeout {
		b.logger.Debug("serial port closed on idle timeout", "path", b.cfg.Address, "idle", idle)
		b.closeLocked()
	}
}
