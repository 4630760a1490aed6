package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/mapping"
	"github.com/vxi11gw/vxi11gw/internal/serialbus"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// genericRegex adapts ad-hoc text protocols that are neither SCPI nor
// MODBUS: each incoming command is matched against the device's rule list,
// the winning rule's request_format template (with capture substitution)
// produces the wire request, and response_regex/response_format translate
// the device's reply back. A device definition with no transport parameters
// never touches a wire: each rule answers with its static response (or its
// response_format), which lets it serve as a canned-response instrument. On
// a device with a transport, a rule with expects_response=false sends its
// request without reading a reply.
type genericRegex struct {
	engine    *mapping.Engine
	ioTimeout time.Duration
	logger    *slog.Logger

	// One of addr or busCfg.Address is set when the device has a wire
	// transport; both empty means canned responses only.
	addr   string
	busCfg serialbus.Config

	mu       sync.Mutex
	acquired bool
	conn     net.Conn
	bus      *serialbus.Bus
	outbuf   []byte
}

func newGenericRegex(dev config.DeviceConfig, rules []config.MappingRule, logger *slog.Logger) (*genericRegex, error) {
	eng, err := mapping.Compile(rules)
	if err != nil {
		return nil, err
	}
	a := &genericRegex{engine: eng, ioTimeout: ioTimeoutFor(dev), logger: logger}
	if dev.SerialPort != "" {
		a.busCfg = busConfigFor(dev)
	} else if dev.Host != "" {
		a.addr = net.JoinHostPort(dev.Host, fmt.Sprint(dev.Port))
	}
	return a, nil
}

func (a *genericRegex) Connect() error    { return nil }
func (a *genericRegex) Disconnect() error { return nil }

func (a *genericRegex) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acquired {
		return nil
	}
	switch {
	case a.busCfg.Address != "":
		bus := serialbus.Acquire(a.busCfg, a.logger)
		if err := bus.Do(ctx, func(io.ReadWriteCloser) error { return nil }); err != nil {
			serialbus.Release(bus)
			return wrapIOErr(err)
		}
		a.bus = bus
	case a.addr != "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", a.addr)
		if err != nil {
			return vxi11fault.Wrap(vxi11fault.DeviceNotAccessible,
				fmt.Errorf("could not connect to %s: %w", a.addr, err))
		}
		a.conn = conn
	}
	a.acquired = true
	return nil
}

func (a *genericRegex) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.bus != nil {
		serialbus.Release(a.bus)
		a.bus = nil
	}
	a.acquired = false
	a.outbuf = nil
	return nil
}

func (a *genericRegex) Write(ctx context.Context, data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acquired {
		return 0, errNotAcquired()
	}

	cmd := strings.TrimRight(string(data), "\r\n")
	rule, captures, ok := a.engine.Match(cmd)
	if !ok {
		return 0, vxi11fault.Newf(vxi11fault.OperationNotSupported, "no mapping rule matches %q", cmd)
	}
	src := rule.Source

	var deviceReply []byte
	if src.RequestFormat != "" && (a.conn != nil || a.bus != nil) {
		request := mapping.GenericRequest(src, captures)
		expects := src.ExpectsResponse == nil || *src.ExpectsResponse
		reply, err := a.exchange(ctx, request, src, expects)
		if err != nil {
			return 0, wrapIOErr(err)
		}
		deviceReply = reply
		if !expects && src.Response == "" && src.ResponseFormat == "" {
			return len(data), nil
		}
	}

	text, err := mapping.GenericResponse(src, captures, deviceReply)
	if err != nil {
		return 0, vxi11fault.Wrap(vxi11fault.IOError, err)
	}
	a.outbuf = append(a.outbuf, []byte(text+"\n")...)
	return len(data), nil
}

// exchange sends request on the device's transport and, when a reply is
// expected, reads it back: payload_width bytes for fixed-width framing, or
// up to the rule's terminator (default "\n") for line framing.
func (a *genericRegex) exchange(ctx context.Context, request []byte, rule config.MappingRule, expects bool) ([]byte, error) {
	term := "\n"
	if rule.Terminator != nil {
		term = *rule.Terminator
	}

	run := func(port io.ReadWriteCloser) ([]byte, error) {
		if _, err := port.Write(request); err != nil {
			return nil, err
		}
		if !expects {
			return nil, nil
		}
		if rule.PayloadWidth != nil {
			reply := make([]byte, *rule.PayloadWidth)
			if _, err := io.ReadFull(port, reply); err != nil {
				return nil, err
			}
			return reply, nil
		}
		reply, _, err := readTerminated(port, []byte(term), 0)
		return reply, err
	}

	if a.bus != nil {
		ctx, cancel := ensureDeadline(ctx, a.ioTimeout)
		defer cancel()
		var reply []byte
		err := a.bus.Do(ctx, func(port io.ReadWriteCloser) error {
			var rerr error
			reply, rerr = run(port)
			return rerr
		})
		return reply, err
	}

	a.conn.SetDeadline(ioDeadline(ctx, a.ioTimeout))
	return run(a.conn)
}

func (a *genericRegex) Read(ctx context.Context, maxBytes int) ([]byte, Reason, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acquired {
		return nil, 0, errNotAcquired()
	}
	if len(a.outbuf) == 0 {
		return nil, 0, vxi11fault.Newf(vxi11fault.IOTimeout, "no response pending")
	}
	if maxBytes > 0 && len(a.outbuf) > maxBytes {
		out := a.outbuf[:maxBytes]
		a.outbuf = a.outbuf[maxBytes:]
		return out, ReasonRequestCount, nil
	}
	out := a.outbuf
	a.outbuf = nil
	return out, ReasonEnd, nil
}
