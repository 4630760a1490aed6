package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports one problem found while validating a parsed
// Document, identifying the device or mapping rule it came from so an
// operator can find it in the YAML file.
type ValidationError struct {
	Path   string // e.g. "devices.dmm1" or "mappings.dmm1[3]"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// ValidationErrors collects every problem found in one pass so an operator
// sees all of them instead of fixing one typo at a time.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks a parsed Document for the structural and cross-reference
// constraints the gateway requires before it will serve traffic: device
// kinds carry the fields their transport needs, unit IDs fall in range,
// mapping rules reference only capture groups their own pattern defines,
// and every mapping section names a device that exists.
func (d *Document) Validate() error {
	var errs ValidationErrors

	for name, dev := range d.Devices {
		path := fmt.Sprintf("devices.%s", name)
		errs = append(errs, validateDevice(path, dev)...)
	}

	for devName, rules := range d.Mappings {
		if _, ok := d.Devices[devName]; !ok {
			errs = append(errs, &ValidationError{
				Path:   fmt.Sprintf("mappings.%s", devName),
				Reason: "no device with this name is defined",
			})
			continue
		}
		dev := d.Devices[devName]
		for i, rule := range rules {
			path := fmt.Sprintf("mappings.%s[%d]", devName, i)
			errs = append(errs, validateRule(path, dev, rule)...)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateDevice(path string, dev DeviceConfig) ValidationErrors {
	var errs ValidationErrors
	switch dev.Type {
	case TransportSCPITCP, TransportModbusTCP:
		if dev.Host == "" {
			errs = append(errs, &ValidationError{path, "host is required for this transport"})
		}
		if dev.Port <= 0 || dev.Port > 65535 {
			errs = append(errs, &ValidationError{path, "port must be between 1 and 65535"})
		}
	case TransportSCPISerial, TransportModbusRTU, TransportModbusASCII:
		if dev.SerialPort == "" {
			errs = append(errs, &ValidationError{path, "serial_port is required for this transport"})
		}
		if dev.BaudRate <= 0 {
			errs = append(errs, &ValidationError{path, "baudrate must be positive"})
		}
	case TransportUSBTMC:
		if dev.VendorID == nil || dev.ProductID == nil {
			errs = append(errs, &ValidationError{path, "vendor_id and product_id are required for usbtmc"})
		}
	case TransportLoopback, TransportGenericRegex:
		// no transport-specific required fields
	case "":
		errs = append(errs, &ValidationError{path, "type is required"})
	default:
		errs = append(errs, &ValidationError{path, fmt.Sprintf("unknown device type %q", dev.Type)})
	}

	switch dev.Type {
	case TransportModbusTCP, TransportModbusRTU, TransportModbusASCII:
		if dev.UnitID < 1 || dev.UnitID > 247 {
			errs = append(errs, &ValidationError{path, "unit_id must be between 1 and 247"})
		}
	}

	if dev.IOTimeout != nil && *dev.IOTimeout <= 0 {
		errs = append(errs, &ValidationError{path, "io_timeout must be positive"})
	}

	return errs
}

func validateRule(path string, dev DeviceConfig, rule MappingRule) ValidationErrors {
	var errs ValidationErrors

	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		errs = append(errs, &ValidationError{path, fmt.Sprintf("invalid pattern: %v", err)})
		return errs // nothing further can be checked without a compiled pattern
	}
	groupCount := re.NumSubexp()

	if rule.IsGenericRegexRule() {
		if dev.Type != TransportGenericRegex {
			errs = append(errs, &ValidationError{path, "rule has no action but device is not generic-regex"})
		}
		if rule.RequestFormat == "" {
			errs = append(errs, &ValidationError{path, "request_format is required"})
		}
		errs = append(errs, checkCaptureRefs(path, rule.RequestFormat, groupCount)...)
		if rule.ResponseFormat != "" {
			errs = append(errs, checkCaptureRefs(path, rule.ResponseFormat, groupCount)...)
		}
		if rule.ResponseRegex != "" {
			if _, err := regexp.Compile(rule.ResponseRegex); err != nil {
				errs = append(errs, &ValidationError{path, fmt.Sprintf("invalid response_regex: %v", err)})
			}
		}
		return errs
	}

	switch dev.Type {
	case TransportModbusTCP, TransportModbusRTU, TransportModbusASCII:
	default:
		errs = append(errs, &ValidationError{path, "rule has a MODBUS action but device is not a MODBUS transport"})
	}

	switch rule.Action {
	case ActionReadHoldingRegisters, ActionReadInputRegisters, ActionReadCoils,
		ActionReadDiscreteInputs, ActionWriteSingleRegister, ActionWriteHoldingRegisters,
		ActionWriteSingleCoil, ActionWriteMultipleCoils:
	default:
		errs = append(errs, &ValidationError{path, fmt.Sprintf("unknown action %q", rule.Action)})
		return errs
	}

	if rule.Params.Address < 0 || rule.Params.Address > 0xFFFF {
		errs = append(errs, &ValidationError{path, "params.address must fit in 16 bits"})
	}
	if s, ok := rule.Params.Value.(string); ok {
		errs = append(errs, checkCaptureRefs(path, s, groupCount)...)
	}
	switch rule.Action {
	case ActionWriteSingleRegister, ActionWriteSingleCoil, ActionWriteHoldingRegisters, ActionWriteMultipleCoils:
		if rule.Params.Value == nil {
			errs = append(errs, &ValidationError{path, "params.value is required for a write action"})
		}
	}

	return errs
}

// checkCaptureRefs scans s for "$N" references and reports any N that
// exceeds the number of capture groups the rule's pattern defines.
func checkCaptureRefs(path, s string, groupCount int) ValidationErrors {
	var errs ValidationErrors
	for _, m := range captureRefPattern.FindAllStringSubmatch(s, -1) {
		n := 0
		for _, c := range m[1] {
			n = n*10 + int(c-'0')
		}
		if n == 0 {
			continue // $0 is the whole match, always valid
		}
		if n > groupCount {
			errs = append(errs, &ValidationError{path, fmt.Sprintf("references capture group $%d but pattern only defines %d", n, groupCount)})
		}
	}
	return errs
}

var captureRefPattern = regexp.MustCompile(`\$(\d+)`)
