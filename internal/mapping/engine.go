package mapping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vxi11gw/vxi11gw/internal/config"
)

// captureRef matches a "$N" placeholder in a value template.
var captureRef = regexp.MustCompile(`\$(\d+)`)

// CompiledRule is one mapping rule with its pattern pre-compiled for
// repeated matching against incoming commands.
type CompiledRule struct {
	pattern *regexp.Regexp
	Source  config.MappingRule
}

// Engine holds one device's ordered, compiled rule list. Rules are tried
// in file order and the first match wins: earlier, more specific entries
// should be listed before general fallbacks.
type Engine struct {
	rules []CompiledRule
}

// Compile builds an Engine from a device's configured rule list. Pattern
// compilation errors should have already been caught by config.Validate;
// Compile returns an error defensively rather than panicking if not.
func Compile(rules []config.MappingRule) (*Engine, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("mapping: rule %d: %w", i, err)
		}
		compiled = append(compiled, CompiledRule{pattern: re, Source: r})
	}
	return &Engine{rules: compiled}, nil
}

// Match returns the first rule whose pattern matches cmd, along with the
// regexp submatches (captures[0] is the whole match).
func (e *Engine) Match(cmd string) (*CompiledRule, []string, bool) {
	for i := range e.rules {
		if m := e.rules[i].pattern.FindStringSubmatch(cmd); m != nil {
			return &e.rules[i], m, true
		}
	}
	return nil, nil, false
}

// substitute replaces every "$N" in template with captures[N], leaving
// "$0" as the whole match. An out-of-range reference is left verbatim;
// config.Validate is expected to have rejected those at load time.
func substitute(template string, captures []string) string {
	return captureRef.ReplaceAllStringFunc(template, func(ref string) string {
		n, _ := strconv.Atoi(ref[1:])
		if n < len(captures) {
			return captures[n]
		}
		return ref
	})
}

// ResolveValue evaluates a rule's params.value against a set of captures.
// value is a numeric literal (float64 or int) or a string, in which any "$N"
// capture references are substituted before it is parsed as a float64; any
// other type, bool included, is an error.
func ResolveValue(value any, captures []string, dt DataType) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		resolved := substitute(v, captures)
		f, err := strconv.ParseFloat(strings.TrimSpace(resolved), 64)
		if err != nil {
			return 0, fmt.Errorf("mapping: value %q does not parse as a number: %w", resolved, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("mapping: unsupported value type %T", value)
	}
}

// WriteRegisters resolves a rule's params for a write action into the
// register payload a MODBUS write function code expects.
func WriteRegisters(rule config.MappingRule, captures []string) ([]uint16, error) {
	dt := DataType(rule.Params.DataType)
	if dt == "" {
		dt = Uint16
	}
	if dt == String {
		s, ok := rule.Params.Value.(string)
		if !ok {
			return nil, fmt.Errorf("mapping: string data_type requires a string value")
		}
		return EncodeString(substitute(s, captures)), nil
	}
	f, err := ResolveValue(rule.Params.Value, captures, dt)
	if err != nil {
		return nil, err
	}
	return EncodeNumeric(dt, f)
}

// FormatReadResult turns the registers returned by a MODBUS read into the
// textual SCPI-style response the gateway returns to device_read, honoring
// the rule's data_type.
func FormatReadResult(rule config.MappingRule, regs []uint16) (string, error) {
	dt := DataType(rule.Params.DataType)
	if dt == "" {
		dt = Uint16
	}
	if dt == String {
		return DecodeString(regs), nil
	}
	f, err := DecodeNumeric(dt, regs)
	if err != nil {
		return "", err
	}
	if dt == Uint16 || dt == Int16 || dt == Uint32BE || dt == Uint32LE || dt == Int32BE || dt == Int32LE {
		return strconv.FormatInt(int64(f), 10), nil
	}
	s := strconv.FormatFloat(f, 'g', -1, 32)
	// A float result always renders with a decimal point so clients can
	// tell 25.0 from the integer register value 25.
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s, nil
}

// GenericRequest builds the outgoing byte sequence for a generic-regex
// rule: request_format with capture substitution, plus the rule's
// configured terminator (default "\n").
func GenericRequest(rule config.MappingRule, captures []string) []byte {
	body := substitute(rule.RequestFormat, captures)
	term := "\n"
	if rule.Terminator != nil {
		term = *rule.Terminator
	}
	return []byte(body + term)
}

// GenericResponse builds the reply for a generic-regex rule from the raw
// bytes a device sent back. If the rule has no response_regex, its static
// response (or, when that is empty, its response_format) is returned
// unconditionally, with the request captures substituted.
func GenericResponse(rule config.MappingRule, requestCaptures []string, deviceReply []byte) (string, error) {
	if rule.ResponseRegex == "" {
		if rule.Response != "" {
			return substitute(rule.Response, requestCaptures), nil
		}
		return substitute(rule.ResponseFormat, requestCaptures), nil
	}
	re, err := regexp.Compile(rule.ResponseRegex)
	if err != nil {
		return "", fmt.Errorf("mapping: invalid response_regex: %w", err)
	}
	m := re.FindStringSubmatch(string(deviceReply))
	if m == nil {
		return "", fmt.Errorf("mapping: device reply %q did not match response_regex", deviceReply)
	}
	scale := 1.0
	if rule.ResponseScale != nil {
		scale = *rule.ResponseScale
	} else if rule.Scale != nil {
		scale = *rule.Scale
	}
	if scale != 1.0 && len(m) > 1 {
		f, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		if err == nil {
			m[1] = strconv.FormatFloat(f*scale, 'g', -1, 64)
		}
	}
	return substitute(rule.ResponseFormat, m), nil
}
