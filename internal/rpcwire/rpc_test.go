package rpcwire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"pgregory.net/rapid"
)

func encodeCall(xid, prog, vers, proc uint32, args []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, xid)
	binary.Write(&buf, binary.BigEndian, MsgCall)
	binary.Write(&buf, binary.BigEndian, RPCVersion)
	binary.Write(&buf, binary.BigEndian, prog)
	binary.Write(&buf, binary.BigEndian, vers)
	binary.Write(&buf, binary.BigEndian, proc)
	// null credentials
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	// null verifier
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.Write(args)
	return buf.Bytes()
}

func TestDecodeCallRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		xid := rapid.Uint32().Draw(t, "xid")
		prog := rapid.Uint32().Draw(t, "prog")
		vers := rapid.Uint32().Draw(t, "vers")
		proc := rapid.Uint32().Draw(t, "proc")
		args := rapid.SliceOf(rapid.Byte()).Draw(t, "args")

		raw := encodeCall(xid, prog, vers, proc, args)
		hdr, rest, err := DecodeCall(raw)
		if err != nil {
			t.Fatalf("DecodeCall: %v", err)
		}
		if hdr.XID != xid || hdr.Program != prog || hdr.Version != vers || hdr.Proc != proc {
			t.Fatalf("header mismatch: got %+v", hdr)
		}
		if !bytes.Equal(rest, args) {
			t.Fatalf("args mismatch: got %x want %x", rest, args)
		}
	})
}

func TestEncodeAcceptErrorProgMismatchCarriesRange(t *testing.T) {
	raw := EncodeAcceptError(7, ProgMismatch, 1, 1)
	if len(raw) != 4+4+4+4+4+4+4+4 {
		t.Fatalf("unexpected reply length %d", len(raw))
	}
}

func TestRecordMarkingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewRecordMarkingConn(&buf, &buf)
	payload := []byte("hello vxi-11")
	if err := conn.WriteRecord(payload); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	got, err := conn.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestRecordMarkingMultiFragment(t *testing.T) {
	var wire bytes.Buffer
	writeFragment(&wire, []byte("abc"), false)
	writeFragment(&wire, []byte("def"), true)

	conn := NewRecordMarkingConn(&wire, &bytes.Buffer{})
	got, err := conn.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q", got)
	}
}

func writeFragment(buf *bytes.Buffer, data []byte, last bool) {
	h := uint32(len(data))
	if last {
		h |= 0x80000000
	}
	binary.Write(buf, binary.BigEndian, h)
	buf.Write(data)
}
