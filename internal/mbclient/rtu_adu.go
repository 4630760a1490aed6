// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbclient

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// EncodeRTUADU builds a unit-id + PDU + CRC-16 frame, CRC written
// little-endian on the wire.
func EncodeRTUADU(unitID byte, pdu ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("modbus: rtu pdu length %d exceeds max %d", length, rtuMaxSize)
	}
	adu := make([]byte, length)
	adu[0] = unitID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	checksum := CRC16(adu[:length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)
	return adu, nil
}

// DecodeRTUADU verifies the CRC and unit id of a complete RTU frame and
// extracts its PDU.
func DecodeRTUADU(expectedUnitID byte, adu []byte) (pdu ProtocolDataUnit, err error) {
	length := len(adu)
	if length < rtuMinSize {
		return pdu, fmt.Errorf("modbus: rtu response length %d below minimum %d", length, rtuMinSize)
	}
	if adu[0] != expectedUnitID {
		return pdu, fmt.Errorf("modbus: rtu response unit id %d does not match request %d", adu[0], expectedUnitID)
	}
	checksum := CRC16(adu[:length-2])
	wire := uint16(adu[length-2]) | uint16(adu[length-1])<<8
	if checksum != wire {
		return pdu, fmt.Errorf("modbus: rtu response crc %04x does not match computed %04x", wire, checksum)
	}
	pdu.FunctionCode = adu[1]
	pdu.Data = adu[2 : length-2]
	return pdu, nil
}

const (
	rtuStateUnitID = iota
	rtuStateFunctionCode
	rtuStateReadLength
	rtuStateReadPayload
	rtuStateCRC
)

// ReadRTUFrame reads one RTU response incrementally off r, recognizing frame
// boundaries from the function-code-specific payload shape rather than
// relying purely on inter-frame silence. deadline, when non-zero, bounds
// the whole read.
func ReadRTUFrame(r io.Reader, unitID, functionCode byte, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 1)
	data := make([]byte, rtuMaxSize)

	state := rtuStateUnitID
	var length, toRead byte
	var n, crcCount int

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("modbus: rtu read deadline exceeded")
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}

		switch state {
		case rtuStateUnitID:
			if buf[0] == unitID {
				state = rtuStateFunctionCode
				data[n] = buf[0]
				n++
			}
		case rtuStateFunctionCode:
			if buf[0] == functionCode {
				switch functionCode {
				case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
					state = rtuStateReadLength
				case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
					state = rtuStateReadPayload
					toRead = 4
				default:
					return nil, fmt.Errorf("modbus: rtu unhandled function code %d", functionCode)
				}
				data[n] = buf[0]
				n++
			} else if buf[0] == functionCode+0x80 {
				state = rtuStateReadPayload
				data[n] = buf[0]
				n++
				toRead = 1
			}
		case rtuStateReadLength:
			length = buf[0]
			if length == 0 || int(length) > rtuMaxSize-5 {
				return nil, fmt.Errorf("modbus: rtu invalid length byte %d", length)
			}
			toRead = length
			data[n] = length
			n++
			state = rtuStateReadPayload
		case rtuStateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = rtuStateCRC
			}
		case rtuStateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

// ExpectedResponseLength estimates the RTU response length for a request,
// given its function code and PDU data (starting address, then quantity),
// used to size the read deadline off character-time budgets.
func ExpectedResponseLength(functionCode byte, requestData []byte) int {
	length := rtuMinSize
	switch functionCode {
	case FuncReadDiscreteInputs, FuncReadCoils:
		count := int(binary.BigEndian.Uint16(requestData[2:4]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case FuncReadInputRegisters, FuncReadHoldingRegisters:
		count := int(binary.BigEndian.Uint16(requestData[2:4]))
		length += 1 + count*2
	case FuncWriteSingleCoil, FuncWriteMultipleCoils, FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		length += 4
	}
	return length
}

// CharDuration returns the minimum transmission duration of one character at
// baudRate, 11 bits per character (1 start + 8 data + 1 parity + 1 stop, the
// worst case budget MODBUS over serial line specifies).
func CharDuration(baudRate int) time.Duration {
	if baudRate <= 0 {
		baudRate = 9600
	}
	return time.Duration(11_000_000/baudRate) * time.Microsecond
}

// FrameDelay returns the minimum inter-frame silence required at baudRate:
// 3.5 character times, or 1750µs for baud rates above 19200 where character
// time would otherwise make the gap implausibly short (MODBUS over Serial
// Line spec, page 13).
func FrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(38_500_000/baudRate) * time.Microsecond
}
