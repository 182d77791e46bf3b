// Package obis parses eBZ/Easymeter OBIS telegrams into Values and Device
// records and computes the derived electrical quantities (apparent and
// reactive power, current, phase-to-phase voltage) those fields imply.
//
// The parsing shape follows the DSMR-style pattern of pre-compiled
// per-code regexps, strconv conversions, and hex-decoded identifiers,
// generalized from Belgian DSMR codes to the eBZ OBIS codes and formulas
// this gateway's meter actually emits.
package obis

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/NotCoffee418/meterbridge/internal/errs"
)

const (
	staticManufacturer = "EasyMeter"
	staticModel         = "DD3-BZ06-ETA-ODZ1"
	staticPhases        = 3
)

var versionLineRe = regexp.MustCompile(`^/[A-Za-z0-9]+_([A-Za-z0-9]+)$`)
var obisLineRe = regexp.MustCompile(`^(\d-\d:\d+\.\d+\.\d+\*255)\(([^)]+)\)`)
var valueWithUnitRe = regexp.MustCompile(`^([0-9.]+)\*[A-Za-z0-9]+$`)

// obisField names each recognized OBIS code's target field.
type obisField int

const (
	fieldEnergy obisField = iota
	fieldActivePower
	fieldPhase1ActivePower
	fieldPhase2ActivePower
	fieldPhase3ActivePower
	fieldPhase1Voltage
	fieldPhase2Voltage
	fieldPhase3Voltage
	fieldSerialNumber
	fieldStatus
	fieldActiveSensorTime
)

var obisCodes = map[string]obisField{
	"1-0:1.8.0*255":  fieldEnergy,
	"1-0:16.7.0*255": fieldActivePower,
	"1-0:36.7.0*255": fieldPhase1ActivePower,
	"1-0:56.7.0*255": fieldPhase2ActivePower,
	"1-0:76.7.0*255": fieldPhase3ActivePower,
	"1-0:32.7.0*255": fieldPhase1Voltage,
	"1-0:52.7.0*255": fieldPhase2Voltage,
	"1-0:72.7.0*255": fieldPhase3Voltage,
	"1-0:96.1.0*255": fieldSerialNumber,
	"1-0:96.5.0*255": fieldStatus,
	"0-0:96.8.0*255": fieldActiveSensorTime,
}

// Parser holds the configured defaults applied to every telegram it
// parses.
type Parser struct {
	PhaseFactor    PhaseFactor
	ProjectVersion string
	GitCommit      string
	Now            func() time.Time
}

// NewParser builds a Parser with the given power-factor/frequency config
// and version stamp used to populate the Device Options field.
func NewParser(pf PhaseFactor, projectVersion, gitCommit string) *Parser {
	return &Parser{
		PhaseFactor:    pf,
		ProjectVersion: projectVersion,
		GitCommit:      gitCommit,
		Now:            time.Now,
	}
}

// Parse runs both independent passes (version, OBIS) over telegram and
// returns the resulting Values and Device, or a Protocol error naming the
// offending line.
func (p *Parser) Parse(telegram string) (Values, Device, error) {
	lines := splitLines(telegram)

	firmware, err := parseVersion(lines)
	if err != nil {
		return Values{}, Device{}, err
	}

	raw, err := parseObisLines(lines)
	if err != nil {
		return Values{}, Device{}, err
	}

	pf := p.PhaseFactor.orDefault()
	values := p.deriveValues(raw, pf)

	device := Device{
		Manufacturer: staticManufacturer,
		Model:        staticModel,
		Options:      fmt.Sprintf("%s-%s", p.ProjectVersion, p.GitCommit),
		SerialNumber: raw.serialNumber,
		Firmware:     firmware,
		Status:       raw.status,
		Phases:       staticPhases,
	}

	return values, device, nil
}

func splitLines(telegram string) []string {
	raw := strings.Split(telegram, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	return lines
}

func parseVersion(lines []string) (string, error) {
	for _, line := range lines {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			return "", errs.New(errs.CodeProtocol, errs.Transient, fmt.Sprintf("expected header line starting with '/', got %q", line))
		}
		m := versionLineRe.FindStringSubmatch(line)
		if m == nil {
			return "", errs.New(errs.CodeProtocol, errs.Transient, fmt.Sprintf("malformed header line: %q", line))
		}
		return m[1], nil
	}
	return "", errs.New(errs.CodeProtocol, errs.Transient, "telegram has no header line")
}

type rawFields struct {
	energy           float64
	activePower      float64
	phase            [3]struct{ activePower, voltage float64 }
	serialNumber     string
	status           string
	activeSensorTime int64
}

func parseObisLines(lines []string) (rawFields, error) {
	var raw rawFields
	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, "/") || strings.HasPrefix(line, "!") {
			continue
		}
		m := obisLineRe.FindStringSubmatch(line)
		if m == nil {
			return raw, errs.New(errs.CodeProtocol, errs.Transient, fmt.Sprintf("malformed OBIS line: %q", line))
		}

		code, valueStr := m[1], m[2]
		field, known := obisCodes[code]
		if !known {
			// Well-formed lines outside the recognized code table (e.g.
			// 0-0:0.0.0) are ignored rather than treated as protocol errors.
			continue
		}

		switch field {
		case fieldSerialNumber:
			raw.serialNumber = valueStr
			continue
		case fieldStatus:
			raw.status = valueStr
			continue
		case fieldActiveSensorTime:
			n, err := strconv.ParseInt(valueStr, 16, 64)
			if err != nil {
				return raw, errs.New(errs.CodeProtocol, errs.Transient, fmt.Sprintf("bad hex value on line %q", line))
			}
			raw.activeSensorTime = n
			continue
		}

		num, err := parseNumericValue(valueStr)
		if err != nil {
			return raw, errs.New(errs.CodeProtocol, errs.Transient, fmt.Sprintf("bad numeric value on line %q", line))
		}

		switch field {
		case fieldEnergy:
			raw.energy = num
		case fieldActivePower:
			raw.activePower = num
		case fieldPhase1ActivePower:
			raw.phase[0].activePower = num
		case fieldPhase2ActivePower:
			raw.phase[1].activePower = num
		case fieldPhase3ActivePower:
			raw.phase[2].activePower = num
		case fieldPhase1Voltage:
			raw.phase[0].voltage = num
		case fieldPhase2Voltage:
			raw.phase[1].voltage = num
		case fieldPhase3Voltage:
			raw.phase[2].voltage = num
		}
	}
	return raw, nil
}

// parseNumericValue handles both "123.45*unit" (unit discarded) and a
// bare decimal token.
func parseNumericValue(s string) (float64, error) {
	if m := valueWithUnitRe.FindStringSubmatch(s); m != nil {
		return strconv.ParseFloat(m[1], 64)
	}
	return strconv.ParseFloat(s, 64)
}

func (p *Parser) deriveValues(raw rawFields, pf PhaseFactor) Values {
	v := Values{
		TimestampMs:      p.Now().UTC().UnixMilli(),
		ActiveSensorTime: raw.activeSensorTime,
		EnergyKWh:        raw.energy,
		ActivePower:      raw.activePower,
		Frequency:        pf.Frequency,
	}

	phases := [3]*Phase{&v.Phase1, &v.Phase2, &v.Phase3}
	for i, ph := range phases {
		ph.ActivePower = raw.phase[i].activePower
		ph.PhVoltage = raw.phase[i].voltage
		ph.PowerFactor = pf.PowerFactor
		ph.ApparentPower = ph.ActivePower / pf.PowerFactor
		ph.ReactivePower = math.Tan(math.Acos(pf.PowerFactor)) * ph.ActivePower
		ph.Current = ph.ActivePower / (ph.PhVoltage * pf.PowerFactor)
	}

	v.PowerFactor = pf.PowerFactor
	v.ApparentPower = v.ActivePower / pf.PowerFactor
	v.ReactivePower = math.Tan(math.Acos(pf.PowerFactor)) * v.ActivePower
	v.Current = v.Phase1.Current + v.Phase2.Current + v.Phase3.Current
	v.PhVoltage = (v.Phase1.PhVoltage + v.Phase2.PhVoltage + v.Phase3.PhVoltage) / 3

	v1, v2, v3 := v.Phase1.PhVoltage, v.Phase2.PhVoltage, v.Phase3.PhVoltage
	pp12 := math.Sqrt(v1*v1 + v2*v2 + v1*v2)
	pp23 := math.Sqrt(v2*v2 + v3*v3 + v2*v3)
	pp31 := math.Sqrt(v3*v3 + v1*v1 + v3*v1)
	v.Phase1.PpVoltage = pp12
	v.Phase2.PpVoltage = pp23
	v.Phase3.PpVoltage = pp31
	v.PpVoltage = (pp12 + pp23 + pp31) / 3

	return v
}

// jsonValues and jsonDevice fix a canonical key order exactly; Go struct-tag
// field order already preserves insertion order in encoding/json, which is
// what makes byte-equal payloads suppress re-publication downstream.
type jsonPhase struct {
	ID            int     `json:"id"`
	PowerActive   float64 `json:"power_active"`
	PowerApparent float64 `json:"power_apparent"`
	PowerReactive float64 `json:"power_reactive"`
	PowerFactor   float64 `json:"power_factor"`
	VoltagePh     float64 `json:"voltage_ph"`
	VoltagePp     float64 `json:"voltage_pp"`
	Current       float64 `json:"current"`
}

type jsonValues struct {
	Time          int64       `json:"time"`
	Energy        float64     `json:"energy"`
	PowerActive   float64     `json:"power_active"`
	PowerApparent float64     `json:"power_apparent"`
	PowerReactive float64     `json:"power_reactive"`
	PowerFactor   float64     `json:"power_factor"`
	Phases        []jsonPhase `json:"phases"`
	ActiveTime    int64       `json:"active_time"`
	Frequency     float64     `json:"frequency"`
	VoltagePh     float64     `json:"voltage_ph"`
	VoltagePp     float64     `json:"voltage_pp"`
}

type jsonDevice struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number"`
	FirmwareVersion string `json:"firmware_version"`
	Options         string `json:"options"`
	Phases          int    `json:"phases"`
	Status          string `json:"status"`
}

func round(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Round(v*mult) / mult
}

// ValuesJSON renders v with fixed rounding (2 decimals for power/PF, 1
// for voltages, 3 for currents, 6 for energy).
func ValuesJSON(v Values) ([]byte, error) {
	toPhase := func(id int, ph Phase) jsonPhase {
		return jsonPhase{
			ID:            id,
			PowerActive:   round(ph.ActivePower, 2),
			PowerApparent: round(ph.ApparentPower, 2),
			PowerReactive: round(ph.ReactivePower, 2),
			PowerFactor:   round(ph.PowerFactor, 2),
			VoltagePh:     round(ph.PhVoltage, 1),
			VoltagePp:     round(ph.PpVoltage, 1),
			Current:       round(ph.Current, 3),
		}
	}

	j := jsonValues{
		Time:          v.TimestampMs,
		Energy:        round(v.EnergyKWh, 6),
		PowerActive:   round(v.ActivePower, 2),
		PowerApparent: round(v.ApparentPower, 2),
		PowerReactive: round(v.ReactivePower, 2),
		PowerFactor:   round(v.PowerFactor, 2),
		Phases: []jsonPhase{
			toPhase(1, v.Phase1),
			toPhase(2, v.Phase2),
			toPhase(3, v.Phase3),
		},
		ActiveTime: v.ActiveSensorTime,
		Frequency:  round(v.Frequency, 2),
		VoltagePh:  round(v.PhVoltage, 1),
		VoltagePp:  round(v.PpVoltage, 1),
	}
	return json.Marshal(j)
}

// DeviceJSON renders d as its canonical device projection.
func DeviceJSON(d Device) ([]byte, error) {
	j := jsonDevice{
		Manufacturer:    d.Manufacturer,
		Model:           d.Model,
		SerialNumber:    d.SerialNumber,
		FirmwareVersion: d.Firmware,
		Options:         d.Options,
		Phases:          d.Phases,
		Status:          d.Status,
	}
	return json.Marshal(j)
}
