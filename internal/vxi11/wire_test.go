package vxi11

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
	"github.com/vxi11gw/vxi11gw/internal/xdr"
)

func TestCreateLinkParmsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := CreateLinkParms{
			ClientID:    rapid.Int32().Draw(t, "clientID"),
			LockDevice:  rapid.Bool().Draw(t, "lockDevice"),
			LockTimeout: rapid.Uint32().Draw(t, "lockTimeout"),
			Device:      rapid.StringN(0, 40, -1).Draw(t, "device"),
		}

		e := xdr.NewEncoder(64)
		e.PutInt32(want.ClientID)
		e.PutBool(want.LockDevice)
		e.PutUint32(want.LockTimeout)
		e.PutString(want.Device)

		got, err := DecodeCreateLinkParms(xdr.NewDecoder(e.Bytes()))
		if err != nil {
			t.Fatalf("DecodeCreateLinkParms: %v", err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})
}

func TestCreateLinkRespEncodesFieldOrder(t *testing.T) {
	resp := CreateLinkResp{Error: vxi11fault.NoError, LinkID: 7, AbortPort: 9000, MaxRecvSize: 1 << 20}
	e := xdr.NewEncoder(16)
	resp.Encode(e)

	d := xdr.NewDecoder(e.Bytes())
	errCode, _ := d.Int32()
	linkID, _ := d.Int32()
	abortPort, _ := d.Uint32()
	maxRecv, _ := d.Uint32()

	if vxi11fault.Code(errCode) != resp.Error || linkID != resp.LinkID ||
		uint16(abortPort) != resp.AbortPort || maxRecv != resp.MaxRecvSize {
		t.Fatalf("round trip mismatch: got (%d,%d,%d,%d)", errCode, linkID, abortPort, maxRecv)
	}
}

func TestDeviceWriteParmsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := DeviceWriteParms{
			LinkID:      rapid.Int32().Draw(t, "linkID"),
			IOTimeout:   rapid.Uint32().Draw(t, "ioTimeout"),
			LockTimeout: rapid.Uint32().Draw(t, "lockTimeout"),
			Flags:       Flags(rapid.Uint32().Draw(t, "flags")),
			Data:        rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data"),
		}

		e := xdr.NewEncoder(128)
		e.PutInt32(want.LinkID)
		e.PutUint32(want.IOTimeout)
		e.PutUint32(want.LockTimeout)
		e.PutUint32(uint32(want.Flags))
		e.PutOpaque(want.Data)

		got, err := DecodeDeviceWriteParms(xdr.NewDecoder(e.Bytes()))
		if err != nil {
			t.Fatalf("DecodeDeviceWriteParms: %v", err)
		}
		if got.LinkID != want.LinkID || got.Flags != want.Flags || string(got.Data) != string(want.Data) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})
}

func TestDeviceReadRespReasonBitmask(t *testing.T) {
	resp := DeviceReadResp{
		Error:  vxi11fault.NoError,
		Reason: ReasonEndOfMessage | ReasonRequestCountSatisfied,
		Data:   []byte("hello"),
	}
	e := xdr.NewEncoder(32)
	resp.Encode(e)

	d := xdr.NewDecoder(e.Bytes())
	_, _ = d.Int32()
	reason, _ := d.Uint32()
	data, _ := d.Opaque()

	if Reason(reason) != resp.Reason {
		t.Fatalf("got reason %#x, want %#x", reason, resp.Reason)
	}
	if string(data) != "hello" {
		t.Fatalf("got data %q", data)
	}
}
