// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbclient

import (
	"encoding/binary"
	"fmt"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000
	// Transaction(2) + Protocol(2) + Length(2) + Unit(1)
	tcpHeaderSize = 7
	tcpMaxLength  = 260
)

// ErrTCPHeaderLength reports a header whose length field is zero or larger
// than the ADU could possibly hold.
type ErrTCPHeaderLength int

func (length ErrTCPHeaderLength) Error() string {
	return fmt.Sprintf("modbus: length in header %d must not be zero or greater than %d",
		int(length), tcpMaxLength-tcpHeaderSize+1)
}

// EncodeTCPADU builds an MBAP + PDU frame: transactionID identifies the
// request so the adapter can match its single outstanding response.
func EncodeTCPADU(transactionID uint16, unitID byte, pdu ProtocolDataUnit) []byte {
	adu := make([]byte, tcpHeaderSize+1+len(pdu.Data))
	binary.BigEndian.PutUint16(adu, transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	length := uint16(1 + 1 + len(pdu.Data))
	binary.BigEndian.PutUint16(adu[4:], length)
	adu[6] = unitID
	adu[tcpHeaderSize] = pdu.FunctionCode
	copy(adu[tcpHeaderSize+1:], pdu.Data)
	return adu
}

// DecodeTCPHeader extracts the PDU length (function code + data: the MBAP
// length field minus the unit id byte) from an MBAP header so the caller
// knows how many more bytes to read off the socket.
func DecodeTCPHeader(header [tcpHeaderSize]byte) (transactionID uint16, unitID byte, pduLen int, err error) {
	transactionID = binary.BigEndian.Uint16(header[0:2])
	length := binary.BigEndian.Uint16(header[4:6])
	if length == 0 || int(length) > tcpMaxLength-(tcpHeaderSize-1) {
		return 0, 0, 0, ErrTCPHeaderLength(length)
	}
	unitID = header[6]
	return transactionID, unitID, int(length) - 1, nil
}

// DecodeTCPADU splits a complete MBAP+PDU frame (as produced by EncodeTCPADU)
// back into its transaction id, unit id and PDU.
func DecodeTCPADU(adu []byte) (transactionID uint16, unitID byte, pdu ProtocolDataUnit, err error) {
	if len(adu) < tcpHeaderSize+1 {
		return 0, 0, pdu, fmt.Errorf("modbus: tcp adu too short: %d bytes", len(adu))
	}
	transactionID = binary.BigEndian.Uint16(adu[0:2])
	unitID = adu[6]
	pdu.FunctionCode = adu[tcpHeaderSize]
	pdu.Data = adu[tcpHeaderSize+1:]
	return transactionID, unitID, pdu, nil
}

// TCPHeaderSize is exported for adapters that need to size their read
// buffer for the fixed MBAP header before they know the PDU length.
const TCPHeaderSize = tcpHeaderSize
