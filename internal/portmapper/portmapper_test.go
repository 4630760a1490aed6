package portmapper

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vxi11gw/vxi11gw/internal/rpcwire"
)

func encodeGetPortCall(xid, program uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, xid)
	binary.Write(&buf, binary.BigEndian, rpcwire.MsgCall)
	binary.Write(&buf, binary.BigEndian, rpcwire.RPCVersion)
	binary.Write(&buf, binary.BigEndian, uint32(Program))
	binary.Write(&buf, binary.BigEndian, uint32(Version))
	binary.Write(&buf, binary.BigEndian, uint32(ProcGetPort))
	binary.Write(&buf, binary.BigEndian, uint32(0)) // cred flavor
	binary.Write(&buf, binary.BigEndian, uint32(0)) // cred length
	binary.Write(&buf, binary.BigEndian, uint32(0)) // verf flavor
	binary.Write(&buf, binary.BigEndian, uint32(0)) // verf length
	binary.Write(&buf, binary.BigEndian, program)
	binary.Write(&buf, binary.BigEndian, uint32(1))       // version
	binary.Write(&buf, binary.BigEndian, uint32(ProtoTCP)) // protocol
	binary.Write(&buf, binary.BigEndian, uint32(0))       // port (ignored)
	return buf.Bytes()
}

func decodeReplyPort(t *testing.T, reply []byte) uint32 {
	t.Helper()
	// xid(4) msgtype(4) acceptstat-envelope(4) verf-flavor(4) verf-len(4) acceptstat(4) port(4)
	if len(reply) != 28 {
		t.Fatalf("unexpected reply length %d", len(reply))
	}
	return binary.BigEndian.Uint32(reply[24:28])
}

func TestGetPortForRegisteredProgram(t *testing.T) {
	s := New(nil)
	s.Register(0x0607AF, 1024)

	reply, err := s.handleCall(encodeGetPortCall(42, 0x0607AF))
	if err != nil {
		t.Fatalf("handleCall: %v", err)
	}
	if got := decodeReplyPort(t, reply); got != 1024 {
		t.Fatalf("got port %d, want 1024", got)
	}
}

func TestGetPortForUnregisteredProgramIsZero(t *testing.T) {
	s := New(nil)
	s.Register(0x0607AF, 1024)

	reply, err := s.handleCall(encodeGetPortCall(42, 0x0607B1))
	if err != nil {
		t.Fatalf("handleCall: %v", err)
	}
	if got := decodeReplyPort(t, reply); got != 0 {
		t.Fatalf("got port %d, want 0", got)
	}
}

func TestNullProcedure(t *testing.T) {
	s := New(nil)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	binary.Write(&buf, binary.BigEndian, rpcwire.MsgCall)
	binary.Write(&buf, binary.BigEndian, rpcwire.RPCVersion)
	binary.Write(&buf, binary.BigEndian, uint32(Program))
	binary.Write(&buf, binary.BigEndian, uint32(Version))
	binary.Write(&buf, binary.BigEndian, uint32(ProcNull))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))

	reply, err := s.handleCall(buf.Bytes())
	if err != nil {
		t.Fatalf("handleCall: %v", err)
	}
	if len(reply) != 24 {
		t.Fatalf("unexpected NULL reply length %d", len(reply))
	}
}
