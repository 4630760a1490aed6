// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbclient

import (
	"encoding/binary"
	"fmt"
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// NewReadRequest builds the request PDU shared by the four read function
// codes: a 16-bit starting address followed by a 16-bit quantity.
func NewReadRequest(functionCode byte, address, quantity uint16) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         dataBlock(address, quantity),
	}
}

// NewWriteSingleRegisterRequest builds a function 0x06 request.
func NewWriteSingleRegisterRequest(address, value uint16) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: FuncWriteSingleRegister,
		Data:         dataBlock(address, value),
	}
}

// NewWriteSingleCoilRequest builds a function 0x05 request; on selects the
// 0xFF00/0x0000 wire encoding for the coil state.
func NewWriteSingleCoilRequest(address uint16, on bool) ProtocolDataUnit {
	value := coilOff
	if on {
		value = coilOn
	}
	return ProtocolDataUnit{
		FunctionCode: FuncWriteSingleCoil,
		Data:         dataBlock(address, value),
	}
}

// NewWriteMultipleRegistersRequest builds a function 0x10 request from a
// register slice.
func NewWriteMultipleRegistersRequest(address uint16, values []uint16) ProtocolDataUnit {
	payload := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(payload[i*2:], v)
	}
	return ProtocolDataUnit{
		FunctionCode: FuncWriteMultipleRegisters,
		Data:         dataBlockSuffix(payload, address, uint16(len(values))),
	}
}

// NewWriteMultipleCoilsRequest builds a function 0x0F request, packing the
// coil states least-significant-bit first per the MODBUS bit ordering.
func NewWriteMultipleCoilsRequest(address uint16, states []bool) ProtocolDataUnit {
	payload := make([]byte, (len(states)+7)/8)
	for i, on := range states {
		if on {
			payload[i/8] |= 1 << (i % 8)
		}
	}
	return ProtocolDataUnit{
		FunctionCode: FuncWriteMultipleCoils,
		Data:         dataBlockSuffix(payload, address, uint16(len(states))),
	}
}

// ParseReadRegistersResponse extracts the register values from a 0x03/0x04
// response PDU, checking its byte-count field against the payload.
func ParseReadRegistersResponse(pdu ProtocolDataUnit) ([]uint16, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("modbus: empty read response")
	}
	count := int(pdu.Data[0])
	if count != len(pdu.Data)-1 {
		return nil, &DataSizeError{ExpectedBytes: count, ActualBytes: len(pdu.Data) - 1}
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("modbus: register response byte count %d is odd", count)
	}
	regs := make([]uint16, count/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(pdu.Data[1+i*2:])
	}
	return regs, nil
}

// ParseReadBitsResponse extracts quantity coil/discrete-input states from a
// 0x01/0x02 response PDU.
func ParseReadBitsResponse(pdu ProtocolDataUnit, quantity int) ([]bool, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("modbus: empty read response")
	}
	count := int(pdu.Data[0])
	if count != len(pdu.Data)-1 {
		return nil, &DataSizeError{ExpectedBytes: count, ActualBytes: len(pdu.Data) - 1}
	}
	if quantity > count*8 {
		return nil, fmt.Errorf("modbus: bit response carries %d bytes, fewer than %d bits", count, quantity)
	}
	states := make([]bool, quantity)
	for i := range states {
		states[i] = pdu.Data[1+i/8]&(1<<(i%8)) != 0
	}
	return states, nil
}

// dataBlock packs 16-bit words into a big-endian byte sequence.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix packs words followed by a byte-count-prefixed suffix
// block, the layout write-multiple requests use.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}
