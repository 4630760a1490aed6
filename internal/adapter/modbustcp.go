package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/mbclient"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// modbusTCP frames PDUs with an MBAP header over a TCP socket. The
// transaction identifier is monotonic per adapter and the adapter keeps a
// single outstanding request, so a response is matched against exactly one
// pending transaction.
type modbusTCP struct {
	*modbusCore

	addr      string
	ioTimeout time.Duration
	logger    *slog.Logger

	connMu        sync.Mutex
	conn          net.Conn
	transactionID uint16
}

func newModbusTCP(dev config.DeviceConfig, rules []config.MappingRule, logger *slog.Logger) (*modbusTCP, error) {
	core, err := newModbusCore(dev, rules, logger)
	if err != nil {
		return nil, err
	}
	a := &modbusTCP{
		modbusCore: core,
		addr:       net.JoinHostPort(dev.Host, fmt.Sprint(dev.Port)),
		ioTimeout:  ioTimeoutFor(dev),
		logger:     logger,
	}
	core.acquire = a.dial
	core.release = a.hangup
	core.exchange = a.send
	return a, nil
}

func (a *modbusTCP) dial(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.dialLocked(ctx)
}

func (a *modbusTCP) dialLocked(ctx context.Context) error {
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
	a.logger.Debug("modbus-tcp connected", "addr", a.addr)
	return nil
}

func (a *modbusTCP) hangup() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

func (a *modbusTCP) send(ctx context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	var zero mbclient.ProtocolDataUnit
	// A connection dropped after a framing error redials transparently on
	// the next exchange.
	if err := a.dialLocked(ctx); err != nil {
		return zero, err
	}

	a.transactionID++
	adu := mbclient.EncodeTCPADU(a.transactionID, a.unitID, pdu)

	a.conn.SetDeadline(ioDeadline(ctx, a.ioTimeout))
	if _, err := a.conn.Write(adu); err != nil {
		a.dropConn()
		return zero, err
	}

	var header [mbclient.TCPHeaderSize]byte
	if _, err := io.ReadFull(a.conn, header[:]); err != nil {
		a.dropConn()
		return zero, err
	}
	txID, unitID, pduLen, err := mbclient.DecodeTCPHeader(header)
	if err != nil {
		a.dropConn()
		return zero, err
	}
	// The MBAP length covers unit id + function code + data; a length of 1
	// leaves no function code to dispatch on.
	if pduLen < 1 {
		a.dropConn()
		return zero, fmt.Errorf("modbus: response header leaves an empty pdu")
	}
	body := make([]byte, pduLen)
	if _, err := io.ReadFull(a.conn, body); err != nil {
		a.dropConn()
		return zero, err
	}

	if txID != a.transactionID {
		a.dropConn()
		return zero, fmt.Errorf("modbus: response transaction id %d does not match request %d", txID, a.transactionID)
	}
	if unitID != a.unitID {
		a.dropConn()
		return zero, fmt.Errorf("modbus: response unit id %d does not match request %d", unitID, a.unitID)
	}
	return mbclient.ProtocolDataUnit{FunctionCode: body[0], Data: body[1:]}, nil
}

// dropConn closes a connection whose framing state is no longer trusted;
// the next exchange redials (see send). Caller must hold connMu.
func (a *modbusTCP) dropConn() {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}
