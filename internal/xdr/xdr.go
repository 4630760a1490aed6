// Package xdr implements the subset of RFC 4506 External Data
// Representation needed to speak ONC-RPC and VXI-11 on the wire: big-endian
// integers, length-prefixed opaque and string values padded to a 4-byte
// boundary, and 4-byte booleans.
package xdr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a Decoder runs out of bytes mid-value.
var ErrTruncated = errors.New("xdr: truncated input")

// Encoder accumulates XDR-encoded values into a byte buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a pre-sized backing buffer.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutUint32 encodes a 4-byte big-endian unsigned integer.
func (e *Encoder) PutUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutInt32 encodes a 4-byte big-endian signed integer.
func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }

// PutUint64 encodes an 8-byte big-endian unsigned integer (two XDR words).
func (e *Encoder) PutUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutBool encodes a boolean as the XDR convention of 0/1 in 4 bytes.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint32(1)
	} else {
		e.PutUint32(0)
	}
}

// PutOpaque encodes a variable-length opaque value: a 4-byte length prefix
// followed by the bytes, zero-padded to a multiple of 4.
func (e *Encoder) PutOpaque(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	if pad := padLen(len(b)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

// PutString encodes a string identically to opaque data.
func (e *Encoder) PutString(s string) { e.PutOpaque([]byte(s)) }

// PutFixedOpaque encodes opaque data of a statically known length with no
// length prefix, still padded to a 4-byte boundary.
func (e *Encoder) PutFixedOpaque(b []byte) {
	e.buf = append(e.buf, b...)
	if pad := padLen(len(b)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

func padLen(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// Decoder walks an XDR-encoded byte buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes have not yet been consumed.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return ErrTruncated
	}
	return nil
}

// Uint32 decodes a 4-byte big-endian unsigned integer.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Int32 decodes a 4-byte big-endian signed integer.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Uint64 decodes an 8-byte big-endian unsigned integer.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Bool decodes an XDR boolean.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	if v != 0 && v != 1 {
		return false, fmt.Errorf("xdr: invalid boolean value %d", v)
	}
	return v == 1, nil
}

// Opaque decodes a length-prefixed, 4-byte padded opaque value.
func (d *Decoder) Opaque() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	total := int(n) + padLen(int(n))
	if err := d.need(total); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += total
	return out, nil
}

// String decodes a string identically to opaque data.
func (d *Decoder) String() (string, error) {
	b, err := d.Opaque()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FixedOpaque decodes n bytes of opaque data with no length prefix, still
// consuming the 4-byte padding.
func (d *Decoder) FixedOpaque(n int) ([]byte, error) {
	total := n + padLen(n)
	if err := d.need(total); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += total
	return out, nil
}
