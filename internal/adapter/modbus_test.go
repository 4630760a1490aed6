package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/mbclient"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

func intPtr(v int) *int { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tempRules() []config.MappingRule {
	return []config.MappingRule{
		{
			Pattern: `^MEAS:TEMP\?$`,
			Action:  config.ActionReadHoldingRegisters,
			Params:  config.MappingParams{Address: 100, Count: intPtr(2), DataType: "float32_be"},
		},
		{
			Pattern: `^CONF:SP (\d+(?:\.\d+)?)$`,
			Action:  config.ActionWriteSingleRegister,
			Params:  config.MappingParams{Address: 10, DataType: "uint16", Value: "$1"},
		},
	}
}

func newTestCore(t *testing.T, exchange exchangeFunc) *modbusCore {
	t.Helper()
	dev := config.DeviceConfig{Type: config.TransportModbusTCP, Host: "h", Port: 502, UnitID: 5}
	core, err := newModbusCore(dev, tempRules(), testLogger())
	require.NoError(t, err)
	core.acquire = func(context.Context) error { return nil }
	core.release = func() error { return nil }
	core.exchange = exchange
	return core
}

func TestModbusCoreReadFloat(t *testing.T) {
	var gotPDU mbclient.ProtocolDataUnit
	core := newTestCore(t, func(_ context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
		gotPDU = pdu
		// 25.0 as float32, big-endian across two registers.
		return mbclient.ProtocolDataUnit{
			FunctionCode: mbclient.FuncReadHoldingRegisters,
			Data:         []byte{0x04, 0x41, 0xC8, 0x00, 0x00},
		}, nil
	})
	require.NoError(t, core.Acquire(context.Background()))

	n, err := core.Write(context.Background(), []byte("MEAS:TEMP?"))
	require.NoError(t, err)
	require.Equal(t, len("MEAS:TEMP?"), n)

	wantPDU := mbclient.ProtocolDataUnit{
		FunctionCode: mbclient.FuncReadHoldingRegisters,
		Data:         []byte{0x00, 0x64, 0x00, 0x02},
	}
	if diff := cmp.Diff(wantPDU, gotPDU); diff != "" {
		t.Fatalf("request PDU mismatch (-want +got):\n%s", diff)
	}

	data, reason, err := core.Read(context.Background(), 64)
	require.NoError(t, err)
	require.Equal(t, "25.0\n", string(data))
	require.Equal(t, ReasonEnd, reason)
}

func TestModbusCoreWriteWithCapture(t *testing.T) {
	var gotPDU mbclient.ProtocolDataUnit
	core := newTestCore(t, func(_ context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
		gotPDU = pdu
		return pdu, nil // write responses echo the request
	})
	require.NoError(t, core.Acquire(context.Background()))

	_, err := core.Write(context.Background(), []byte("CONF:SP 42"))
	require.NoError(t, err)
	require.Equal(t, mbclient.FuncWriteSingleRegister, gotPDU.FunctionCode)
	require.Equal(t, []byte{0x00, 0x0A, 0x00, 0x2A}, gotPDU.Data)
}

func TestModbusCoreNoRuleMatches(t *testing.T) {
	core := newTestCore(t, nil)
	require.NoError(t, core.Acquire(context.Background()))

	_, err := core.Write(context.Background(), []byte("*IDN?"))
	var f *vxi11fault.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, vxi11fault.OperationNotSupported, f.Code)
}

func TestModbusCoreExceptionSurfacesDiagnostic(t *testing.T) {
	core := newTestCore(t, func(_ context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
		return mbclient.ProtocolDataUnit{
			FunctionCode: pdu.FunctionCode | 0x80,
			Data:         []byte{mbclient.ExceptionIllegalDataAddress},
		}, nil
	})
	require.NoError(t, core.Acquire(context.Background()))

	_, err := core.Write(context.Background(), []byte("MEAS:TEMP?"))
	var f *vxi11fault.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, vxi11fault.IOError, f.Code)

	// The diagnostic is buffered for the client's next read.
	data, _, err := core.Read(context.Background(), 256)
	require.NoError(t, err)
	require.Contains(t, string(data), "illegal data address")
}

func TestModbusCoreIdenticalInputIdenticalPDU(t *testing.T) {
	var pdus []mbclient.ProtocolDataUnit
	core := newTestCore(t, func(_ context.Context, pdu mbclient.ProtocolDataUnit) (mbclient.ProtocolDataUnit, error) {
		pdus = append(pdus, pdu)
		return mbclient.ProtocolDataUnit{
			FunctionCode: pdu.FunctionCode,
			Data:         []byte{0x04, 0x00, 0x00, 0x00, 0x00},
		}, nil
	})
	require.NoError(t, core.Acquire(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := core.Write(context.Background(), []byte("MEAS:TEMP?"))
		require.NoError(t, err)
		core.Read(context.Background(), 64)
	}
	require.Len(t, pdus, 3)
	for _, pdu := range pdus[1:] {
		if diff := cmp.Diff(pdus[0], pdu); diff != "" {
			t.Fatalf("mapping is not idempotent (-first +later):\n%s", diff)
		}
	}
}

// mockModbusTCPServer answers one MBAP exchange per accepted connection
// with the supplied response PDU, echoing the request's transaction id.
func mockModbusTCPServer(t *testing.T, respond func(req mbclient.ProtocolDataUnit) mbclient.ProtocolDataUnit) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					var header [mbclient.TCPHeaderSize]byte
					if _, err := io.ReadFull(c, header[:]); err != nil {
						return
					}
					txID := binary.BigEndian.Uint16(header[0:2])
					pduLen := int(binary.BigEndian.Uint16(header[4:6])) - 1
					unitID := header[6]
					body := make([]byte, pduLen)
					if _, err := io.ReadFull(c, body); err != nil {
						return
					}
					resp := respond(mbclient.ProtocolDataUnit{FunctionCode: body[0], Data: body[1:]})
					c.Write(mbclient.EncodeTCPADU(txID, unitID, resp))
				}
			}(conn)
		}
	}()
	return l.Addr().String()
}

func TestModbusTCPAdapterEmptyPDUIsIOError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var header [mbclient.TCPHeaderSize]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		body := make([]byte, int(binary.BigEndian.Uint16(header[4:6]))-1)
		io.ReadFull(conn, body)
		// MBAP length of 1: unit id only, no function code behind it.
		reply := []byte{header[0], header[1], 0x00, 0x00, 0x00, 0x01, header[6]}
		conn.Write(reply)
	}()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	dev := config.DeviceConfig{Type: config.TransportModbusTCP, Host: host, UnitID: 5}
	dev.Port, err = strconv.Atoi(portStr)
	require.NoError(t, err)

	ad, err := newModbusTCP(dev, tempRules(), testLogger())
	require.NoError(t, err)
	require.NoError(t, ad.Acquire(context.Background()))
	defer ad.Release()

	_, err = ad.Write(context.Background(), []byte("MEAS:TEMP?"))
	var f *vxi11fault.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, vxi11fault.IOError, f.Code)
}

func TestModbusTCPAdapterEndToEnd(t *testing.T) {
	addr := mockModbusTCPServer(t, func(req mbclient.ProtocolDataUnit) mbclient.ProtocolDataUnit {
		return mbclient.ProtocolDataUnit{
			FunctionCode: req.FunctionCode,
			Data:         []byte{0x04, 0x41, 0xC8, 0x00, 0x00},
		}
	})
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	dev := config.DeviceConfig{Type: config.TransportModbusTCP, Host: host, UnitID: 5}
	dev.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	ad, err := newModbusTCP(dev, tempRules(), testLogger())
	require.NoError(t, err)
	require.NoError(t, ad.Acquire(context.Background()))
	defer ad.Release()

	_, err = ad.Write(context.Background(), []byte("MEAS:TEMP?"))
	require.NoError(t, err)

	data, _, err := ad.Read(context.Background(), 64)
	require.NoError(t, err)
	require.Equal(t, "25.0\n", string(data))
}
