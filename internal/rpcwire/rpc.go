// Package rpcwire implements the ONC-RPC (RFC 1831) message envelope used by
// both the VXI-11 portmapper and the DEVICE_CORE/DEVICE_ASYNC programs:
// record-marked framing on TCP, call/reply header encoding, and the standard
// reject status codes returned for an unrecognized (program, version, proc).
package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Message types.
const (
	MsgCall  uint32 = 0
	MsgReply uint32 = 1
)

// Reply status.
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accept status (RFC 1831 §7.4.1).
const (
	Success      uint32 = 0
	ProgUnavail  uint32 = 1
	ProgMismatch uint32 = 2
	ProcUnavail  uint32 = 3
	GarbageArgs  uint32 = 4
	SystemErr    uint32 = 5
)

// RPCVersion is the only ONC-RPC protocol version in use.
const RPCVersion uint32 = 2

// AuthNone is the null authentication flavor (flavor=0, length=0).
const AuthNone uint32 = 0

// CallHeader is the fixed part of an RPC call, credentials/verifier already
// consumed as opaque blobs (this gateway never authenticates callers).
type CallHeader struct {
	XID     uint32
	Program uint32
	Version uint32
	Proc    uint32
}

// DecodeCall parses an RPC call message and returns the header plus the
// remaining, still-XDR-encoded procedure arguments.
func DecodeCall(data []byte) (CallHeader, []byte, error) {
	r := bytes.NewReader(data)
	var hdr CallHeader
	var msgType, rpcvers uint32
	if err := binary.Read(r, binary.BigEndian, &hdr.XID); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: read xid: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &msgType); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: read msg type: %w", err)
	}
	if msgType != MsgCall {
		return hdr, nil, fmt.Errorf("rpcwire: expected CALL, got %d", msgType)
	}
	if err := binary.Read(r, binary.BigEndian, &rpcvers); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: read rpcvers: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Program); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: read program: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Version); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: read version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Proc); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: read proc: %w", err)
	}
	if err := skipAuth(r); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: skip credentials: %w", err)
	}
	if err := skipAuth(r); err != nil {
		return hdr, nil, fmt.Errorf("rpcwire: skip verifier: %w", err)
	}
	rest := data[len(data)-r.Len():]
	return hdr, rest, nil
}

func skipAuth(r *bytes.Reader) error {
	var flavor, length uint32
	if err := binary.Read(r, binary.BigEndian, &flavor); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	buf := make([]byte, length)
	_, err := io.ReadFull(r, buf)
	return err
}

// EncodeSuccess builds an RPC reply with accept status SUCCESS and the
// caller-supplied, already-XDR-encoded result appended.
func EncodeSuccess(xid uint32, result []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, xid)
	binary.Write(&buf, binary.BigEndian, MsgReply)
	binary.Write(&buf, binary.BigEndian, MsgAccepted)
	binary.Write(&buf, binary.BigEndian, AuthNone) // verifier flavor
	binary.Write(&buf, binary.BigEndian, uint32(0)) // verifier length
	binary.Write(&buf, binary.BigEndian, Success)
	buf.Write(result)
	return buf.Bytes()
}

// EncodeAcceptError builds a reply with MSG_ACCEPTED but a non-SUCCESS
// accept status: PROG_UNAVAIL, PROG_MISMATCH or PROC_UNAVAIL. low/high are
// only meaningful (and only written) for PROG_MISMATCH.
func EncodeAcceptError(xid uint32, status uint32, low, high uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, xid)
	binary.Write(&buf, binary.BigEndian, MsgReply)
	binary.Write(&buf, binary.BigEndian, MsgAccepted)
	binary.Write(&buf, binary.BigEndian, AuthNone)
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, status)
	if status == ProgMismatch {
		binary.Write(&buf, binary.BigEndian, low)
		binary.Write(&buf, binary.BigEndian, high)
	}
	return buf.Bytes()
}
