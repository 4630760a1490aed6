package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// defaultIOTimeout bounds a read or write when the device definition does
// not supply io_timeout and the client's per-request timeout is zero.
const defaultIOTimeout = 5 * time.Second

// scpiTCP speaks line-terminated ASCII over a TCP socket. Each adapter
// instance owns its own connection, so two links to the same instrument each
// hold an independent socket.
type scpiTCP struct {
	addr      string
	writeTerm []byte
	readTerm  []byte
	ioTimeout time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func newSCPITCP(dev config.DeviceConfig, logger *slog.Logger) *scpiTCP {
	return &scpiTCP{
		addr:      net.JoinHostPort(dev.Host, fmt.Sprint(dev.Port)),
		writeTerm: []byte(dev.EffectiveWriteTermination()),
		readTerm:  []byte(dev.EffectiveReadTermination()),
		ioTimeout: ioTimeoutFor(dev),
		logger:    logger,
	}
}

func ioTimeoutFor(dev config.DeviceConfig) time.Duration {
	if dev.IOTimeout != nil {
		return time.Duration(*dev.IOTimeout * float64(time.Second))
	}
	return defaultIOTimeout
}

func (a *scpiTCP) Connect() error    { return nil }
func (a *scpiTCP) Disconnect() error { return nil }

func (a *scpiTCP) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return vxi11fault.Wrap(vxi11fault.DeviceNotAccessible,
			fmt.Errorf("could not connect to %s: %w", a.addr, err))
	}
	a.conn = conn
	a.logger.Debug("scpi-tcp connected", "addr", a.addr)
	return nil
}

func (a *scpiTCP) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

func (a *scpiTCP) Write(ctx context.Context, data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return 0, errNotAcquired()
	}
	a.conn.SetWriteDeadline(ioDeadline(ctx, a.ioTimeout))
	msg := append(append([]byte(nil), data...), a.writeTerm...)
	if _, err := a.conn.Write(msg); err != nil {
		return 0, wrapIOErr(err)
	}
	return len(data), nil
}

func (a *scpiTCP) Read(ctx context.Context, maxBytes int) ([]byte, Reason, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, 0, errNotAcquired()
	}
	a.conn.SetReadDeadline(ioDeadline(ctx, a.ioTimeout))
	return readTerminated(a.conn, a.readTerm, maxBytes)
}

// readTerminated reads from r until term is seen (term preserved in the
// returned payload), maxBytes is reached, or the deadline set on r expires.
func readTerminated(r io.Reader, term []byte, maxBytes int) ([]byte, Reason, error) {
	var out []byte
	buf := make([]byte, 1)
	for {
		if maxBytes > 0 && len(out) >= maxBytes {
			return out, ReasonRequestCount, nil
		}
		if _, err := r.Read(buf); err != nil {
			if len(out) > 0 && isTimeout(err) {
				// A partial line at timeout is still data; surface it
				// with the end bit so the client does not retry forever.
				return out, ReasonEnd, nil
			}
			return out, 0, wrapIOErr(err)
		}
		out = append(out, buf[0])
		if len(term) > 0 && bytes.HasSuffix(out, term) {
			return out, ReasonEnd | ReasonTermChar, nil
		}
	}
}

// ioDeadline resolves the effective deadline for one I/O: the context's
// deadline when the client supplied an io_timeout, the adapter's configured
// fallback otherwise.
func ioDeadline(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

// wrapIOErr classifies a transport error: deadline expiry becomes an
// IOTimeout fault, anything else an IOError fault.
func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	var f *vxi11fault.Fault
	if errors.As(err, &f) {
		return err
	}
	if isTimeout(err) {
		return vxi11fault.Wrap(vxi11fault.IOTimeout, err)
	}
	return vxi11fault.Wrap(vxi11fault.IOError, err)
}
