// Package config loads, validates, and hot-reloads the gateway's YAML
// configuration document. Parsing uses gopkg.in/yaml.v3 with
// KnownFields(true), so an unrecognized key at any level is a load-time
// validation error rather than a silently ignored typo.
package config

// TransportKind enumerates the backend transport types a device
// definition may name.
type TransportKind string

const (
	TransportSCPITCP      TransportKind = "scpi-tcp"
	TransportSCPISerial   TransportKind = "scpi-serial"
	TransportModbusTCP    TransportKind = "modbus-tcp"
	TransportModbusRTU    TransportKind = "modbus-rtu"
	TransportModbusASCII  TransportKind = "modbus-ascii"
	TransportUSBTMC       TransportKind = "usbtmc"
	TransportLoopback     TransportKind = "loopback"
	TransportGenericRegex TransportKind = "generic-regex"
)

// defaultRequiresLock resolves the per-transport default for the
// requires_lock flag: transports whose hardware is inherently exclusive
// (USB endpoints, serial lines) default to locked access.
func defaultRequiresLock(kind TransportKind) bool {
	switch kind {
	case TransportUSBTMC, TransportSCPISerial, TransportModbusRTU, TransportModbusASCII:
		return true
	default:
		return false
	}
}

// GUIConfig is the embedded web configuration UI's listen settings; the UI
// itself is a separate deliverable; only its enable/address knobs live
// here.
type GUIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

// ServerConfig is the top-level "server" key.
type ServerConfig struct {
	Host              string    `yaml:"host" json:"host"`
	Port              int       `yaml:"port" json:"port"`
	PortmapperEnabled bool      `yaml:"portmapper_enabled" json:"portmapper_enabled"`
	GUI               GUIConfig `yaml:"gui" json:"gui"`
}

// DeviceConfig is one entry under the top-level "devices" key. Not every
// field applies to every transport kind; Validate checks that the fields
// Type requires are present, and fields irrelevant to Type are ignored, not
// rejected.
type DeviceConfig struct {
	Type TransportKind `yaml:"type" json:"type"`

	// scpi-tcp, modbus-tcp
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// scpi-serial, modbus-rtu, modbus-ascii
	SerialPort string `yaml:"serial_port,omitempty" json:"serial_port,omitempty"`
	BaudRate   int    `yaml:"baudrate,omitempty" json:"baudrate,omitempty"`
	Parity     string `yaml:"parity,omitempty" json:"parity,omitempty"`
	StopBits   int    `yaml:"stopbits,omitempty" json:"stopbits,omitempty"`
	DataBits   int    `yaml:"databits,omitempty" json:"databits,omitempty"`

	// usbtmc
	VendorID     *uint16 `yaml:"vendor_id,omitempty" json:"vendor_id,omitempty"`
	ProductID    *uint16 `yaml:"product_id,omitempty" json:"product_id,omitempty"`
	SerialNumber string  `yaml:"serial_number,omitempty" json:"serial_number,omitempty"`

	// modbus-*
	UnitID int `yaml:"unit_id,omitempty" json:"unit_id,omitempty"`

	RequiresLock *bool    `yaml:"requires_lock,omitempty" json:"requires_lock,omitempty"`
	IOTimeout    *float64 `yaml:"io_timeout,omitempty" json:"io_timeout,omitempty"` // seconds
	WriteTerm    *string  `yaml:"write_termination,omitempty" json:"write_termination,omitempty"`
	ReadTerm     *string  `yaml:"read_termination,omitempty" json:"read_termination,omitempty"`
}

// EffectiveRequiresLock resolves the requires_lock default for this
// device's transport kind.
func (d DeviceConfig) EffectiveRequiresLock() bool {
	if d.RequiresLock != nil {
		return *d.RequiresLock
	}
	return defaultRequiresLock(d.Type)
}

// EffectiveWriteTermination resolves the write-termination default ("\n").
func (d DeviceConfig) EffectiveWriteTermination() string {
	if d.WriteTerm != nil {
		return *d.WriteTerm
	}
	return "\n"
}

// EffectiveReadTermination resolves the read-termination default ("\n").
func (d DeviceConfig) EffectiveReadTermination() string {
	if d.ReadTerm != nil {
		return *d.ReadTerm
	}
	return "\n"
}

// MappingAction is one of the eight MODBUS register/coil operations a
// mapping rule may name.
type MappingAction string

const (
	ActionReadHoldingRegisters  MappingAction = "read_holding_registers"
	ActionReadInputRegisters    MappingAction = "read_input_registers"
	ActionReadCoils             MappingAction = "read_coils"
	ActionReadDiscreteInputs    MappingAction = "read_discrete_inputs"
	ActionWriteSingleRegister   MappingAction = "write_single_register"
	ActionWriteHoldingRegisters MappingAction = "write_holding_registers"
	ActionWriteSingleCoil       MappingAction = "write_single_coil"
	ActionWriteMultipleCoils    MappingAction = "write_multiple_coils"
)

// MappingParams is the MODBUS action's parameter block. Value is kept as
// `any` because it may be a YAML scalar (literal) or a "$N" capture
// reference string; the mapping engine resolves it at match time.
type MappingParams struct {
	Address  int    `yaml:"address" json:"address"`
	Count    *int   `yaml:"count,omitempty" json:"count,omitempty"`
	DataType string `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// MappingRule is one ordered rule in a device's mapping list. Exactly one of
// the MODBUS action/params pair or the generic-regex fields is populated,
// discriminated by the transport kind of the device the mapping section
// belongs to.
type MappingRule struct {
	Pattern string        `yaml:"pattern" json:"pattern"`
	Action  MappingAction `yaml:"action,omitempty" json:"action,omitempty"`
	Params  MappingParams `yaml:"params,omitempty" json:"params,omitempty"`

	// generic-regex
	RequestFormat   string   `yaml:"request_format,omitempty" json:"request_format,omitempty"`
	ResponseRegex   string   `yaml:"response_regex,omitempty" json:"response_regex,omitempty"`
	ResponseFormat  string   `yaml:"response_format,omitempty" json:"response_format,omitempty"`
	Response        string   `yaml:"response,omitempty" json:"response,omitempty"`
	PayloadWidth    *int     `yaml:"payload_width,omitempty" json:"payload_width,omitempty"`
	ExpectsResponse *bool    `yaml:"expects_response,omitempty" json:"expects_response,omitempty"`
	Scale           *float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	Terminator      *string  `yaml:"terminator,omitempty" json:"terminator,omitempty"`
	ResponseScale   *float64 `yaml:"response_scale,omitempty" json:"response_scale,omitempty"`
}

// IsGenericRegexRule reports whether r was authored for a generic-regex
// device (no MODBUS action set).
func (r MappingRule) IsGenericRegexRule() bool {
	return r.Action == ""
}

// Document is the parsed, not-yet-validated top-level YAML document:
// server, devices, mappings.
type Document struct {
	Server   ServerConfig             `yaml:"server" json:"server"`
	Devices  map[string]DeviceConfig  `yaml:"devices" json:"devices"`
	Mappings map[string][]MappingRule `yaml:"mappings" json:"mappings"`
}
