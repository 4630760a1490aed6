// Package mbclient provides the MODBUS protocol data unit and the three
// application data unit (ADU) framings — TCP/MBAP, RTU, and ASCII — that the
// gateway's MODBUS adapters use to talk to real devices. It is adapted from
// a MODBUS client library: the PDU type, function codes, exception
// semantics, CRC-16 and LRC checksums, and the ADU encode/decode rules keep
// that library's shapes, generalized into pure encode/decode functions the
// adapters drive over their own transports (TCP socket, arbitrated serial
// bus) instead of owning a transport themselves.
package mbclient

import "fmt"

// Function codes in scope for this gateway's command mapping engine.
// ReadWriteMultipleRegisters, MaskWriteRegister, ReadFIFOQueue and
// ReadDeviceIdentification exist in the protocol but no mapping action
// reaches them, so they are not defined here.
const (
	FuncReadCoils             byte = 0x01
	FuncReadDiscreteInputs    byte = 0x02
	FuncReadHoldingRegisters  byte = 0x03
	FuncReadInputRegisters    byte = 0x04
	FuncWriteSingleCoil       byte = 0x05
	FuncWriteSingleRegister   byte = 0x06
	FuncWriteMultipleCoils    byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// Exception codes (MODBUS Application Protocol V1.1b §7).
const (
	ExceptionIllegalFunction        byte = 1
	ExceptionIllegalDataAddress     byte = 2
	ExceptionIllegalDataValue       byte = 3
	ExceptionServerDeviceFailure    byte = 4
	ExceptionAcknowledge            byte = 5
	ExceptionServerDeviceBusy       byte = 6
	ExceptionMemoryParityError      byte = 8
	ExceptionGatewayPathUnavailable byte = 10
	ExceptionGatewayTargetFailed    byte = 11
)

var exceptionNames = map[byte]string{
	ExceptionIllegalFunction:        "illegal function",
	ExceptionIllegalDataAddress:     "illegal data address",
	ExceptionIllegalDataValue:       "illegal data value",
	ExceptionServerDeviceFailure:    "server device failure",
	ExceptionAcknowledge:            "acknowledge",
	ExceptionServerDeviceBusy:       "server device busy",
	ExceptionMemoryParityError:      "memory parity error",
	ExceptionGatewayPathUnavailable: "gateway path unavailable",
	ExceptionGatewayTargetFailed:    "gateway target device failed to respond",
}

// ProtocolDataUnit (PDU) is independent of the underlying ADU framing.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// ExceptionError reports a MODBUS exception response: the function code
// with its high bit set, and the one-byte exception code that followed it.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	name, ok := exceptionNames[e.ExceptionCode]
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception %d (%s), function %d", e.ExceptionCode, name, e.FunctionCode&0x7F)
}

// DataSizeError reports a response whose byte count field didn't match its
// actual payload length.
type DataSizeError struct {
	ExpectedBytes int
	ActualBytes   int
}

func (e *DataSizeError) Error() string {
	return fmt.Sprintf("modbus: response data size %d does not match expected %d", e.ActualBytes, e.ExpectedBytes)
}

// AsException unpacks a response PDU whose function code has the exception
// bit (0x80) set into an *ExceptionError, returning ok=false otherwise.
func AsException(pdu ProtocolDataUnit) (*ExceptionError, bool) {
	if pdu.FunctionCode&0x80 == 0 || len(pdu.Data) < 1 {
		return nil, false
	}
	return &ExceptionError{FunctionCode: pdu.FunctionCode, ExceptionCode: pdu.Data[0]}, true
}
