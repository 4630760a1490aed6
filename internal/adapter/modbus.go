package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/mapping"
	"github.com/vxi11gw/vxi11gw/internal/mbclient"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// exchangeFunc dispatches one request PDU over a concrete MODBUS framing
// and returns the matching response PDU. Implementations own transaction
// matching (TCP) or checksum verification (RTU, ASCII).
type exchangeFunc func(ctx context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error)

// modbusCore translates ASCII commands into MODBUS transactions: Write runs
// the mapping engine and the wire exchange, then buffers the decoded reply
// so the next Read drains it. One transaction is outstanding at a time.
type modbusCore struct {
	unitID   byte
	engine   *mapping.Engine
	logger   *slog.Logger
	acquire  func(ctx context.Context) error
	release  func() error
	exchange exchangeFunc

	mu       sync.Mutex
	acquired bool
	outbuf   []byte
}

func newModbusCore(dev config.DeviceConfig, rules []config.MappingRule, logger *slog.Logger) (*modbusCore, error) {
	eng, err := mapping.Compile(rules)
	if err != nil {
		return nil, err
	}
	return &modbusCore{unitID: byte(dev.UnitID), engine: eng, logger: logger}, nil
}

func (m *modbusCore) Connect() error    { return nil }
func (m *modbusCore) Disconnect() error { return nil }

func (m *modbusCore) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired {
		return nil
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	m.acquired = true
	return nil
}

func (m *modbusCore) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return nil
	}
	m.acquired = false
	m.outbuf = nil
	return m.release()
}

func (m *modbusCore) Write(ctx context.Context, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return 0, errNotAcquired()
	}

	cmd := strings.TrimRight(string(data), "\r\n")
	rule, captures, ok := m.engine.Match(cmd)
	if !ok {
		return 0, vxi11fault.Newf(vxi11fault.OperationNotSupported, "no mapping rule matches %q", cmd)
	}

	reqPDU, quantity, err := buildRequestPDU(rule.Source, captures)
	if err != nil {
		return 0, vxi11fault.Wrap(vxi11fault.ParameterError, err)
	}

	m.logger.Debug("modbus request", "command", cmd, "function", reqPDU.FunctionCode)
	respPDU, err := m.exchange(ctx, reqPDU)
	if err != nil {
		return 0, wrapIOErr(err)
	}
	if exc, ok := mbclient.AsException(respPDU); ok {
		// Buffer the diagnostic so the client's next read surfaces what
		// the device objected to alongside the error code.
		m.outbuf = append(m.outbuf, []byte(exc.Error()+"\n")...)
		return 0, vxi11fault.Wrap(vxi11fault.IOError, exc)
	}

	reply, err := formatResponse(rule.Source, respPDU, quantity)
	if err != nil {
		return 0, wrapIOErr(err)
	}
	if reply != "" {
		m.outbuf = append(m.outbuf, []byte(reply)...)
	}
	return len(data), nil
}

func (m *modbusCore) Read(ctx context.Context, maxBytes int) ([]byte, Reason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return nil, 0, errNotAcquired()
	}
	if len(m.outbuf) == 0 {
		return nil, 0, vxi11fault.Newf(vxi11fault.IOTimeout, "no response pending")
	}
	if maxBytes > 0 && len(m.outbuf) > maxBytes {
		out := m.outbuf[:maxBytes]
		m.outbuf = m.outbuf[maxBytes:]
		return out, ReasonRequestCount, nil
	}
	out := m.outbuf
	m.outbuf = nil
	return out, ReasonEnd, nil
}

// buildRequestPDU resolves one matched rule into a request PDU, also
// returning the read quantity (registers or bits) downstream decoding needs.
func buildRequestPDU(rule config.MappingRule, captures []string) (mbclient.ProtocolDataUnit, int, error) {
	var zero mbclient.ProtocolDataUnit
	params := rule.Params
	address := uint16(params.Address)
	dt := mapping.DataType(params.DataType)
	if dt == "" {
		dt = mapping.Uint16
	}

	count := mapping.RegistersNeeded(dt, 0)
	if params.Count != nil {
		count = *params.Count
	}
	if count < 1 || count > 0x7D {
		return zero, 0, fmt.Errorf("count %d out of range", count)
	}

	switch rule.Action {
	case config.ActionReadHoldingRegisters:
		return mbclient.NewReadRequest(mbclient.FuncReadHoldingRegisters, address, uint16(count)), count, nil
	case config.ActionReadInputRegisters:
		return mbclient.NewReadRequest(mbclient.FuncReadInputRegisters, address, uint16(count)), count, nil
	case config.ActionReadCoils:
		return mbclient.NewReadRequest(mbclient.FuncReadCoils, address, uint16(count)), count, nil
	case config.ActionReadDiscreteInputs:
		return mbclient.NewReadRequest(mbclient.FuncReadDiscreteInputs, address, uint16(count)), count, nil
	case config.ActionWriteSingleRegister:
		regs, err := mapping.WriteRegisters(rule, captures)
		if err != nil {
			return zero, 0, err
		}
		return mbclient.NewWriteSingleRegisterRequest(address, regs[0]), 0, nil
	case config.ActionWriteHoldingRegisters:
		regs, err := mapping.WriteRegisters(rule, captures)
		if err != nil {
			return zero, 0, err
		}
		if params.Count != nil && *params.Count > len(regs) {
			// Pad out to the configured register window; string values
			// shorter than the window are space-filled.
			pad := make([]uint16, *params.Count-len(regs))
			if mapping.DataType(params.DataType) == mapping.String {
				for i := range pad {
					pad[i] = 0x2020
				}
			}
			regs = append(regs, pad...)
		}
		return mbclient.NewWriteMultipleRegistersRequest(address, regs), 0, nil
	case config.ActionWriteSingleCoil:
		on, err := resolveCoil(rule, captures)
		if err != nil {
			return zero, 0, err
		}
		return mbclient.NewWriteSingleCoilRequest(address, on), 0, nil
	case config.ActionWriteMultipleCoils:
		states, err := resolveCoils(rule, captures, count)
		if err != nil {
			return zero, 0, err
		}
		return mbclient.NewWriteMultipleCoilsRequest(address, states), 0, nil
	default:
		return zero, 0, fmt.Errorf("unknown action %q", rule.Action)
	}
}

func resolveCoil(rule config.MappingRule, captures []string) (bool, error) {
	v, err := mapping.ResolveValue(rule.Params.Value, captures, mapping.Uint16)
	if err != nil {
		if s, ok := rule.Params.Value.(bool); ok {
			return s, nil
		}
		return false, err
	}
	return v != 0, nil
}

// resolveCoils interprets the resolved numeric value as a bitmask of count
// coil states, least-significant bit first.
func resolveCoils(rule config.MappingRule, captures []string, count int) ([]bool, error) {
	v, err := mapping.ResolveValue(rule.Params.Value, captures, mapping.Uint16)
	if err != nil {
		return nil, err
	}
	bits := uint64(int64(v))
	states := make([]bool, count)
	for i := range states {
		states[i] = bits&(1<<i) != 0
	}
	return states, nil
}

// formatResponse decodes a successful response PDU into the ASCII reply
// buffered for the client: register reads honor the rule's data_type, bit
// reads render space-separated 1/0, writes produce no output.
func formatResponse(rule config.MappingRule, pdu mbclient.ProtocolDataUnit, quantity int) (string, error) {
	switch rule.Action {
	case config.ActionReadHoldingRegisters, config.ActionReadInputRegisters:
		regs, err := mbclient.ParseReadRegistersResponse(pdu)
		if err != nil {
			return "", err
		}
		text, err := mapping.FormatReadResult(rule, regs)
		if err != nil {
			return "", err
		}
		return text + "\n", nil
	case config.ActionReadCoils, config.ActionReadDiscreteInputs:
		states, err := mbclient.ParseReadBitsResponse(pdu, quantity)
		if err != nil {
			return "", err
		}
		parts := make([]string, len(states))
		for i, on := range states {
			parts[i] = "0"
			if on {
				parts[i] = "1"
			}
		}
		return strings.Join(parts, " ") + "\n", nil
	default:
		return "", nil
	}
}
