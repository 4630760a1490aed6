// Package vxi11 implements the DEVICE_CORE and DEVICE_ASYNC program bodies:
// the link registry, the per-operation dispatch, and the XDR structures
// VXI-11 clients exchange with this gateway. Procedure framing (the
// record-marked TCP transport and the ONC-RPC call/reply envelope) lives a
// layer below, in the rpcwire package.
package vxi11

import (
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
	"github.com/vxi11gw/vxi11gw/internal/xdr"
)

// Flags is the bitmask DEVICE_WRITE/DEVICE_READ/lock-taking operations
// carry: bit0 waitlock, bit3 end (for write), bit7 termchar-set (for read).
type Flags uint32

const (
	FlagWaitLock Flags = 1 << 0
	FlagEnd      Flags = 1 << 3
	FlagTermChar Flags = 1 << 7
)

// Reason is the bitmask DEVICE_READ's response carries, describing why
// the read stopped.
type Reason uint32

const (
	ReasonRequestCountSatisfied Reason = 1 << 0
	ReasonTermCharSeen          Reason = 1 << 1
	ReasonEndOfMessage          Reason = 1 << 2
)

// CreateLinkParms is create_link's argument.
type CreateLinkParms struct {
	ClientID    int32
	LockDevice  bool
	LockTimeout uint32 // milliseconds
	Device      string
}

func DecodeCreateLinkParms(d *xdr.Decoder) (p CreateLinkParms, err error) {
	if p.ClientID, err = d.Int32(); err != nil {
		return
	}
	if p.LockDevice, err = d.Bool(); err != nil {
		return
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return
	}
	p.Device, err = d.String()
	return
}

// CreateLinkResp is create_link's result.
type CreateLinkResp struct {
	Error       vxi11fault.Code
	LinkID      int32
	AbortPort   uint16
	MaxRecvSize uint32
}

func (r CreateLinkResp) Encode(e *xdr.Encoder) {
	e.PutInt32(int32(r.Error))
	e.PutInt32(r.LinkID)
	e.PutUint32(uint32(r.AbortPort))
	e.PutUint32(r.MaxRecvSize)
}

// DeviceWriteParms is device_write's argument.
type DeviceWriteParms struct {
	LinkID      int32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       Flags
	Data        []byte
}

func DecodeDeviceWriteParms(d *xdr.Decoder) (p DeviceWriteParms, err error) {
	if p.LinkID, err = d.Int32(); err != nil {
		return
	}
	if p.IOTimeout, err = d.Uint32(); err != nil {
		return
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return
	}
	var flags uint32
	if flags, err = d.Uint32(); err != nil {
		return
	}
	p.Flags = Flags(flags)
	p.Data, err = d.Opaque()
	return
}

// DeviceWriteResp is device_write's result.
type DeviceWriteResp struct {
	Error vxi11fault.Code
	Size  uint32
}

func (r DeviceWriteResp) Encode(e *xdr.Encoder) {
	e.PutInt32(int32(r.Error))
	e.PutUint32(r.Size)
}

// DeviceReadParms is device_read's argument.
type DeviceReadParms struct {
	LinkID      int32
	RequestSize uint32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       Flags
	TermChar    byte
}

func DecodeDeviceReadParms(d *xdr.Decoder) (p DeviceReadParms, err error) {
	if p.LinkID, err = d.Int32(); err != nil {
		return
	}
	if p.RequestSize, err = d.Uint32(); err != nil {
		return
	}
	if p.IOTimeout, err = d.Uint32(); err != nil {
		return
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return
	}
	var flags uint32
	if flags, err = d.Uint32(); err != nil {
		return
	}
	p.Flags = Flags(flags)
	var ch int32
	ch, err = d.Int32()
	p.TermChar = byte(ch)
	return
}

// DeviceReadResp is device_read's result.
type DeviceReadResp struct {
	Error  vxi11fault.Code
	Reason Reason
	Data   []byte
}

func (r DeviceReadResp) Encode(e *xdr.Encoder) {
	e.PutInt32(int32(r.Error))
	e.PutUint32(uint32(r.Reason))
	e.PutOpaque(r.Data)
}

// DeviceGenericParms is the argument shared by device_trigger,
// device_clear, device_remote, and device_local.
type DeviceGenericParms struct {
	LinkID      int32
	Flags       Flags
	LockTimeout uint32
	IOTimeout   uint32
}

func DecodeDeviceGenericParms(d *xdr.Decoder) (p DeviceGenericParms, err error) {
	if p.LinkID, err = d.Int32(); err != nil {
		return
	}
	var flags uint32
	if flags, err = d.Uint32(); err != nil {
		return
	}
	p.Flags = Flags(flags)
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return
	}
	p.IOTimeout, err = d.Uint32()
	return
}

// DeviceLockParms is device_lock's argument.
type DeviceLockParms struct {
	LinkID      int32
	Flags       Flags
	LockTimeout uint32
}

func DecodeDeviceLockParms(d *xdr.Decoder) (p DeviceLockParms, err error) {
	if p.LinkID, err = d.Int32(); err != nil {
		return
	}
	var flags uint32
	if flags, err = d.Uint32(); err != nil {
		return
	}
	p.Flags = Flags(flags)
	p.LockTimeout, err = d.Uint32()
	return
}

// DeviceLinkOnly is device_unlock/destroy_link's argument: just a link id.
type DeviceLinkOnly struct {
	LinkID int32
}

func DecodeDeviceLinkOnly(d *xdr.Decoder) (p DeviceLinkOnly, err error) {
	p.LinkID, err = d.Int32()
	return
}

// DeviceEnableSrqParms is device_enable_srq's argument. The server does not
// dispatch device_enable_srq (a call is answered PROC_UNAVAIL), no
// enable/disable state is kept, and an SRQ notification never fires.
type DeviceEnableSrqParms struct {
	LinkID int32
	Enable bool
	Handle []byte
}

func DecodeDeviceEnableSrqParms(d *xdr.Decoder) (p DeviceEnableSrqParms, err error) {
	if p.LinkID, err = d.Int32(); err != nil {
		return
	}
	if p.Enable, err = d.Bool(); err != nil {
		return
	}
	p.Handle, err = d.Opaque()
	return
}

// DeviceDocmdParms is device_docmd's argument. The server does not dispatch
// device_docmd: a call is answered PROC_UNAVAIL and no vendor command runs.
type DeviceDocmdParms struct {
	LinkID       int32
	Flags        Flags
	IOTimeout    uint32
	LockTimeout  uint32
	Cmd          int32
	NetworkOrder bool
	DataSize     int32
	DataIn       []byte
}

func DecodeDeviceDocmdParms(d *xdr.Decoder) (p DeviceDocmdParms, err error) {
	if p.LinkID, err = d.Int32(); err != nil {
		return
	}
	var flags uint32
	if flags, err = d.Uint32(); err != nil {
		return
	}
	p.Flags = Flags(flags)
	if p.IOTimeout, err = d.Uint32(); err != nil {
		return
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return
	}
	if p.Cmd, err = d.Int32(); err != nil {
		return
	}
	if p.NetworkOrder, err = d.Bool(); err != nil {
		return
	}
	if p.DataSize, err = d.Int32(); err != nil {
		return
	}
	p.DataIn, err = d.Opaque()
	return
}

// DeviceDocmdResp is device_docmd's result.
type DeviceDocmdResp struct {
	Error   vxi11fault.Code
	DataOut []byte
}

func (r DeviceDocmdResp) Encode(e *xdr.Encoder) {
	e.PutInt32(int32(r.Error))
	e.PutOpaque(r.DataOut)
}

// DeviceError is the bare error-code result most generic operations
// return (device_trigger, device_clear, device_remote, device_local,
// device_unlock, device_enable_srq, destroy_link, device_lock).
type DeviceError struct {
	Error vxi11fault.Code
}

func (r DeviceError) Encode(e *xdr.Encoder) {
	e.PutInt32(int32(r.Error))
}

// DeviceReadStbResp is device_readstb's result.
type DeviceReadStbResp struct {
	Error vxi11fault.Code
	STB   byte
}

func (r DeviceReadStbResp) Encode(e *xdr.Encoder) {
	e.PutInt32(int32(r.Error))
	e.PutUint32(uint32(r.STB))
}

// DeviceAbortParms is DEVICE_ASYNC's device_abort argument.
type DeviceAbortParms struct {
	LinkID int32
}

func DecodeDeviceAbortParms(d *xdr.Decoder) (p DeviceAbortParms, err error) {
	p.LinkID, err = d.Int32()
	return
}
