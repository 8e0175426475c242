// Package config loads the mission attribute set that drives a replay
// session, and the process options of the replay command.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// DefaultConfigName is the attribute file looked up in the log directory
// when no explicit path is given.
const DefaultConfigName = "terrainAid.cfg"

// BusHost is the reserved remote host value selecting the message-bus
// transport instead of a point-to-point socket.
const BusHost = "USING.LCM.COMMS"

// maxConfigSize bounds the attribute file; real files are a few hundred bytes.
const maxConfigSize = 1 * 1024 * 1024

// Attributes is the flat attribute set of a replay session. The key tag
// names the configuration key each field is read from.
type Attributes struct {
	MapFile       string `key:"mapFileName" validate:"required"`
	MapType       int    `key:"map_type" validate:"oneof=1 2"`
	FilterType    int    `key:"filterType" validate:"required,min=1,max=3"`
	ParticlesFile string `key:"particlesName"`
	VehicleCfg    string `key:"vehicleCfgName"`
	DVLCfg        string `key:"dvlCfgName"`
	ResonCfg      string `key:"resonCfgName"`

	// Host and Port select a remote filter. Host == BusHost selects the
	// message bus.
	Host string `key:"terrainNavServer"`
	Port int    `key:"terrainNavPort" validate:"min=0,max=65535"`

	// DVLCSVFile names the LRAUV CSV DVL log, relative to the log directory.
	DVLCSVFile string `key:"lrauvDvlFilename"`

	ForceLowGradeFilter  bool    `key:"forceLowGradeFilter"`
	AllowFilterReinits   bool    `key:"allowFilterReinits"`
	UseModifiedWeighting int     `key:"useModifiedWeighting" validate:"min=0,max=4"`
	SamplePeriod         int     `key:"samplePeriod" validate:"min=0"`
	MaxNorthingCov       float64 `key:"maxNorthingCov" validate:"gte=0"`
	MaxEastingCov        float64 `key:"maxEastingCov" validate:"gte=0"`
	MaxNorthingError     float64 `key:"maxNorthingError" validate:"gte=0"`
	MaxEastingError      float64 `key:"maxEastingError" validate:"gte=0"`
	PhiBias              float64 `key:"phiBias"`
	UseIDTData           bool    `key:"useIDTData"`
	UseDVLSide           bool    `key:"useDvlSide"`
	UseMbTrnData         bool    `key:"useMbTrnData"`
}

// Overrides carries values supplied outside the attribute file (command
// line). Non-zero fields replace the file values before validation.
type Overrides struct {
	MapFile string
	Host    string
	Port    int
}

// DefaultAttributes returns the values used for keys absent from the file.
func DefaultAttributes() Attributes {
	return Attributes{
		MapType:      2,
		SamplePeriod: 3000,
	}
}

// UsesRemote reports whether a remote filter host is configured.
func (a Attributes) UsesRemote() bool {
	return a.Host != ""
}

// UsesBus reports whether the remote filter is reached over the message bus.
func (a Attributes) UsesBus() bool {
	return a.Host == BusHost
}

// MeasurementType returns the sensor type stamped on dispatched
// measurements.
func (a Attributes) MeasurementType() trn.SensorType {
	switch {
	case a.UseIDTData:
		return trn.SensorDeltaT
	case a.UseMbTrnData:
		return trn.SensorMultibeam
	default:
		return trn.SensorDVL
	}
}

var (
	validate *validator.Validate
	// fieldByKey maps lower-cased config keys to Attributes field indices.
	fieldByKey map[string]int
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("key")
	})

	t := reflect.TypeOf(Attributes{})
	fieldByKey = make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if k := t.Field(i).Tag.Get("key"); k != "" {
			fieldByKey[strings.ToLower(k)] = i
		}
	}
}

// LoadFile loads attributes from the file at path.
func LoadFile(path string, ov Overrides) (Attributes, error) {
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return Attributes{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return Attributes{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return Attributes{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	return Load(f, ov)
}

// Load parses key/value lines from r into a validated attribute set.
// Unknown keys are ignored; missing required keys and malformed values are
// reported as *trn.ConfigError.
func Load(r io.Reader, ov Overrides) (Attributes, error) {
	attrs := DefaultAttributes()
	v := reflect.ValueOf(&attrs).Elem()

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, value, ok := splitKeyValue(scanner.Text())
		if !ok {
			continue
		}
		idx, known := fieldByKey[strings.ToLower(key)]
		if !known {
			monitoring.Debugf("[config] line %d: ignoring unknown key %q", lineNo, key)
			continue
		}
		if err := setField(v.Field(idx), value); err != nil {
			return Attributes{}, &trn.ConfigError{Key: key, Value: value, Reason: "malformed value", Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return Attributes{}, fmt.Errorf("failed to read config: %w", err)
	}

	attrs.apply(ov)
	if err := attrs.Validate(); err != nil {
		return Attributes{}, err
	}
	return attrs, nil
}

func (a *Attributes) apply(ov Overrides) {
	if ov.MapFile != "" {
		a.MapFile = ov.MapFile
	}
	if ov.Host != "" {
		a.Host = ov.Host
	}
	if ov.Port != 0 {
		a.Port = ov.Port
	}
}

// Validate checks the attribute set, returning a *trn.ConfigError naming
// the first offending key.
func (a Attributes) Validate() error {
	if err := validate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return err
		}
		e := verrs[0]
		return &trn.ConfigError{Key: e.Field(), Value: fmt.Sprint(e.Value()), Reason: describeTag(e)}
	}
	if a.UsesRemote() && !a.UsesBus() && a.Port == 0 {
		return &trn.ConfigError{Key: "terrainNavPort", Reason: "required when terrainNavServer names a host"}
	}
	return nil
}

func describeTag(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "required key missing"
	case "oneof":
		return "must be one of " + e.Param()
	case "min", "gte":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	default:
		return "failed " + e.Tag() + " check"
	}
}

// splitKeyValue accepts "key = value", "key value" and an optional trailing
// semicolon. Comments start with // or # at the beginning of the line or
// after whitespace or the semicolon; inside a value they are literal.
func splitKeyValue(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(stripComment(line))
	line = strings.TrimSuffix(line, ";")
	if line == "" {
		return "", "", false
	}

	if i := strings.Index(line, "="); i >= 0 {
		key, value = line[:i], line[i+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", false
		}
		key, value = fields[0], strings.Join(fields[1:], " ")
	}
	key = strings.TrimSpace(key)
	value = strings.Trim(strings.TrimSpace(value), `"`)
	return key, value, key != ""
}

func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		var marker bool
		switch {
		case line[i] == '#':
			marker = true
		case line[i] == '/' && i+1 < len(line) && line[i+1] == '/':
			marker = true
		}
		if marker && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t' || line[i-1] == ';') {
			return line[:i]
		}
	}
	return line
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Float64:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	case reflect.Bool:
		b, err := parseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind())
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(raw)
}
