// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbclient

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	asciiStart = ":"
	asciiEnd   = "\r\n"
	// start(1) + unit(2) + function(2) + lrc(2) + end(2)
	asciiMinSize = 9
	asciiMaxSize = 513
)

// EncodeASCIIADU builds a ':' + hex(unit+PDU+LRC) + CRLF frame.
func EncodeASCIIADU(unitID byte, pdu ProtocolDataUnit) []byte {
	var buf bytes.Buffer
	buf.WriteString(asciiStart)
	writeHex(&buf, []byte{unitID, pdu.FunctionCode})
	writeHex(&buf, pdu.Data)

	lrc := LRC(append([]byte{unitID, pdu.FunctionCode}, pdu.Data...))
	writeHex(&buf, []byte{lrc})
	buf.WriteString(asciiEnd)
	return buf.Bytes()
}

// DecodeASCIIADU validates framing, checksum and unit id, and extracts the
// PDU from a complete ASCII frame.
func DecodeASCIIADU(expectedUnitID byte, adu []byte) (pdu ProtocolDataUnit, err error) {
	length := len(adu)
	if length < asciiMinSize {
		return pdu, fmt.Errorf("modbus: ascii response length %d below minimum %d", length, asciiMinSize)
	}
	if length%2 != 1 {
		return pdu, fmt.Errorf("modbus: ascii response length %d is not odd (colon + even hex body)", length)
	}
	if string(adu[0:1]) != asciiStart {
		return pdu, fmt.Errorf("modbus: ascii response does not start with %q", asciiStart)
	}
	if string(adu[length-2:]) != asciiEnd {
		return pdu, fmt.Errorf("modbus: ascii response does not end with CRLF")
	}

	unitID, err := readHexByte(adu[1:3])
	if err != nil {
		return pdu, err
	}
	if unitID != expectedUnitID {
		return pdu, fmt.Errorf("modbus: ascii response unit id %d does not match request %d", unitID, expectedUnitID)
	}
	functionCode, err := readHexByte(adu[3:5])
	if err != nil {
		return pdu, err
	}

	dataEnd := length - 4 // trailing LRC(2) + CRLF(2)
	hexData := adu[5:dataEnd]
	data := make([]byte, hex.DecodedLen(len(hexData)))
	if _, err := hex.Decode(data, hexData); err != nil {
		return pdu, fmt.Errorf("modbus: ascii response body not valid hex: %w", err)
	}

	lrcVal, err := readHexByte(adu[dataEnd : dataEnd+2])
	if err != nil {
		return pdu, err
	}
	computed := LRC(append([]byte{unitID, functionCode}, data...))
	if lrcVal != computed {
		return pdu, fmt.Errorf("modbus: ascii response lrc %02x does not match computed %02x", lrcVal, computed)
	}

	pdu.FunctionCode = functionCode
	pdu.Data = data
	return pdu, nil
}

// IsCompleteASCIIFrame reports whether buf so far ends with the ASCII
// frame terminator, for readers that accumulate bytes until framed.
func IsCompleteASCIIFrame(buf []byte) bool {
	return len(buf) > asciiMinSize && string(buf[len(buf)-len(asciiEnd):]) == asciiEnd
}

func writeHex(buf *bytes.Buffer, value []byte) {
	const table = "0123456789ABCDEF"
	for _, v := range value {
		buf.WriteByte(table[v>>4])
		buf.WriteByte(table[v&0x0F])
	}
}

func readHexByte(data []byte) (byte, error) {
	var dst [1]byte
	if _, err := hex.Decode(dst[:], data[0:2]); err != nil {
		return 0, fmt.Errorf("modbus: invalid hex byte %q: %w", data, err)
	}
	return dst[0], nil
}
