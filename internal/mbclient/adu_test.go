package mbclient

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func genPDU(t *rapid.T) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: rapid.Byte().Draw(t, "FunctionCode"),
		Data:         rapid.SliceOfN(rapid.Byte(), 0, 120).Draw(t, "Data"),
	}
}

func TestTCPADURoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		transactionID := rapid.Uint16().Draw(t, "transactionID")
		unitID := rapid.Byte().Draw(t, "unitID")
		pdu := genPDU(t)

		adu := EncodeTCPADU(transactionID, unitID, pdu)
		gotTxID, gotUnit, gotPDU, err := DecodeTCPADU(adu)
		if err != nil {
			t.Fatalf("DecodeTCPADU: %v", err)
		}
		if gotTxID != transactionID || gotUnit != unitID {
			t.Fatalf("got txid=%d unit=%d, want txid=%d unit=%d", gotTxID, gotUnit, transactionID, unitID)
		}
		if !cmp.Equal(pdu, gotPDU) {
			t.Fatalf("pdu mismatch: %s", cmp.Diff(pdu, gotPDU))
		}
	})
}

func TestRTUADURoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unitID := rapid.Byte().Draw(t, "unitID")
		pdu := ProtocolDataUnit{
			FunctionCode: rapid.Byte().Draw(t, "FunctionCode"),
			Data:         rapid.SliceOfN(rapid.Byte(), 0, 250).Draw(t, "Data"),
		}

		adu, err := EncodeRTUADU(unitID, pdu)
		if err != nil {
			t.Fatalf("EncodeRTUADU: %v", err)
		}
		gotPDU, err := DecodeRTUADU(unitID, adu)
		if err != nil {
			t.Fatalf("DecodeRTUADU: %v", err)
		}
		if !cmp.Equal(pdu, gotPDU) {
			t.Fatalf("pdu mismatch: %s", cmp.Diff(pdu, gotPDU))
		}
	})
}

func TestASCIIADURoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unitID := rapid.Byte().Draw(t, "unitID")
		pdu := genPDU(t)

		adu := EncodeASCIIADU(unitID, pdu)
		gotPDU, err := DecodeASCIIADU(unitID, adu)
		if err != nil {
			t.Fatalf("DecodeASCIIADU: %v", err)
		}
		if !cmp.Equal(pdu, gotPDU) {
			t.Fatalf("pdu mismatch: %s", cmp.Diff(pdu, gotPDU))
		}
	})
}

func TestAsException(t *testing.T) {
	pdu := ProtocolDataUnit{FunctionCode: FuncReadHoldingRegisters | 0x80, Data: []byte{ExceptionIllegalDataAddress}}
	exc, ok := AsException(pdu)
	if !ok {
		t.Fatal("expected exception to be recognized")
	}
	if exc.ExceptionCode != ExceptionIllegalDataAddress {
		t.Fatalf("got exception code %d", exc.ExceptionCode)
	}
}
