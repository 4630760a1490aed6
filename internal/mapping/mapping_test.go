package mapping

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/vxi11gw/vxi11gw/internal/config"
)

func TestEncodeDecodeNumericRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dt := rapid.SampledFrom([]DataType{Uint16, Int16, Uint32BE, Uint32LE, Int32BE, Int32LE}).Draw(t, "dt")
		var value float64
		switch dt {
		case Uint16:
			value = float64(rapid.Uint16().Draw(t, "v"))
		case Int16:
			value = float64(rapid.Int16().Draw(t, "v"))
		case Uint32BE, Uint32LE:
			value = float64(rapid.Uint32().Draw(t, "v"))
		case Int32BE, Int32LE:
			value = float64(rapid.Int32().Draw(t, "v"))
		}

		regs, err := EncodeNumeric(dt, value)
		if err != nil {
			t.Fatalf("EncodeNumeric: %v", err)
		}
		got, err := DecodeNumeric(dt, regs)
		if err != nil {
			t.Fatalf("DecodeNumeric: %v", err)
		}
		if got != value {
			t.Fatalf("round trip for %s: got %v, want %v", dt, got, value)
		}
	})
}

func TestEncodeDecodeFloat32RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dt := rapid.SampledFrom([]DataType{Float32BE, Float32LE}).Draw(t, "dt")
		value := float64(rapid.Float32().Draw(t, "v"))

		regs, err := EncodeNumeric(dt, value)
		if err != nil {
			t.Fatalf("EncodeNumeric: %v", err)
		}
		got, err := DecodeNumeric(dt, regs)
		if err != nil {
			t.Fatalf("DecodeNumeric: %v", err)
		}
		if got != value {
			t.Fatalf("round trip for %s: got %v, want %v", dt, got, value)
		}
	})
}

func TestEncodeDecodeStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[A-Za-z0-9]{0,20}`).Draw(t, "s")
		regs := EncodeString(s)
		got := DecodeString(regs)
		if got != s {
			t.Fatalf("round trip: got %q, want %q", got, s)
		}
	})
}

func TestEncodeNumericWireLayout(t *testing.T) {
	tests := []struct {
		name  string
		dt    DataType
		value float64
		want  []uint16
	}{
		// Registers serialize big-endian, so _be values read straight
		// through while _le values are fully byte-reversed on the wire.
		{"uint32_be", Uint32BE, 0x01020304, []uint16{0x0102, 0x0304}},
		{"uint32_le", Uint32LE, 0x01020304, []uint16{0x0403, 0x0201}},
		{"int32_be", Int32BE, -2, []uint16{0xFFFF, 0xFFFE}},
		{"int32_le", Int32LE, -2, []uint16{0xFEFF, 0xFFFF}},
		// 25.0 = bits 0x41C80000: wire 41 C8 00 00 vs 00 00 C8 41.
		{"float32_be", Float32BE, 25.0, []uint16{0x41C8, 0x0000}},
		{"float32_le", Float32LE, 25.0, []uint16{0x0000, 0xC841}},
	}
	for _, tc := range tests {
		regs, err := EncodeNumeric(tc.dt, tc.value)
		if err != nil {
			t.Fatalf("%s: EncodeNumeric: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, regs); diff != "" {
			t.Fatalf("%s: register layout mismatch (-want +got):\n%s", tc.name, diff)
		}
		got, err := DecodeNumeric(tc.dt, regs)
		if err != nil {
			t.Fatalf("%s: DecodeNumeric: %v", tc.name, err)
		}
		if got != tc.value {
			t.Fatalf("%s: decoded %v, want %v", tc.name, got, tc.value)
		}
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	eng, err := Compile([]config.MappingRule{
		{Pattern: `^MEAS:VOLT\?$`, Action: config.ActionReadHoldingRegisters, Params: config.MappingParams{Address: 10}},
		{Pattern: `^MEAS:.*\?$`, Action: config.ActionReadHoldingRegisters, Params: config.MappingParams{Address: 20}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rule, _, ok := eng.Match("MEAS:VOLT?")
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.Source.Params.Address != 10 {
		t.Fatalf("got address %d, want 10 (first rule should win)", rule.Source.Params.Address)
	}
}

func TestWriteRegistersSubstitutesCapture(t *testing.T) {
	rule := config.MappingRule{
		Pattern: `^SET:FREQ (\d+)$`,
		Action:  config.ActionWriteSingleRegister,
		Params:  config.MappingParams{Address: 5, DataType: "uint16", Value: "$1"},
	}
	_, captures, ok := mustCompileAndMatch(t, rule, "SET:FREQ 440")
	if !ok {
		t.Fatal("expected a match")
	}
	regs, err := WriteRegisters(rule, captures)
	if err != nil {
		t.Fatalf("WriteRegisters: %v", err)
	}
	if len(regs) != 1 || regs[0] != 440 {
		t.Fatalf("got %v, want [440]", regs)
	}
}

func TestFormatReadResultFloat(t *testing.T) {
	rule := config.MappingRule{Params: config.MappingParams{DataType: "float32_be"}}
	regs, _ := EncodeNumeric(Float32BE, 3.5)
	got, err := FormatReadResult(rule, regs)
	if err != nil {
		t.Fatalf("FormatReadResult: %v", err)
	}
	if got != "3.5" {
		t.Fatalf("got %q, want %q", got, "3.5")
	}
}

func TestGenericRequestResponseRoundTrip(t *testing.T) {
	rule := config.MappingRule{
		Pattern:        `^DELAY (\d+)$`,
		RequestFormat:  "D$1",
		ResponseRegex:  `^OK(\d+)$`,
		ResponseFormat: "ack=$1",
	}
	_, captures, ok := mustCompileAndMatch(t, rule, "DELAY 7")
	if !ok {
		t.Fatal("expected a match")
	}
	req := GenericRequest(rule, captures)
	if diff := cmp.Diff([]byte("D7\n"), req); diff != "" {
		t.Fatalf("request mismatch: %s", diff)
	}
	resp, err := GenericResponse(rule, captures, []byte("OK7"))
	if err != nil {
		t.Fatalf("GenericResponse: %v", err)
	}
	if resp != "ack=7" {
		t.Fatalf("got %q, want %q", resp, "ack=7")
	}
}

func mustCompileAndMatch(t *testing.T, rule config.MappingRule, cmd string) (*CompiledRule, []string, bool) {
	t.Helper()
	eng, err := Compile([]config.MappingRule{rule})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return eng.Match(cmd)
}
