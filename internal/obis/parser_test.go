package obis

import (
	"math"
	"strings"
	"testing"
	"time"
)

const goldenTelegram = "/EBZ5DD3BZ06ETA_107\n\n" +
	"1-0:0.0.0*255(1EBZ0100507409)\n" +
	"1-0:96.1.0*255(1EBZ0100507409)\n" +
	"1-0:1.8.0*255(000125.25688570*kWh)\n" +
	"1-0:16.7.0*255(000259.20*W)\n" +
	"1-0:36.7.0*255(000075.18*W)\n" +
	"1-0:56.7.0*255(000092.34*W)\n" +
	"1-0:76.7.0*255(000091.68*W)\n" +
	"1-0:32.7.0*255(232.4*V)\n" +
	"1-0:52.7.0*255(231.7*V)\n" +
	"1-0:72.7.0*255(233.7*V)\n" +
	"1-0:96.5.0*255(001C0104)\n" +
	"0-0:96.8.0*255(00104643)\n" +
	"!\r\n"

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func newTestParser() *Parser {
	p := NewParser(DefaultPhaseFactor(), "1.0.0", "abc123")
	p.Now = func() time.Time { return time.Unix(1700000000, 0) }
	return p
}

func TestParseGoldenTelegram(t *testing.T) {
	p := newTestParser()
	v, d, err := p.Parse(goldenTelegram)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if !almostEqual(v.EnergyKWh, 125.25688570, 1e-6) {
		t.Errorf("EnergyKWh = %v, want 125.25688570", v.EnergyKWh)
	}
	if !almostEqual(v.ActivePower, 259.20, 1e-6) {
		t.Errorf("ActivePower = %v, want 259.20", v.ActivePower)
	}
	wantPhasePower := [3]float64{75.18, 92.34, 91.68}
	gotPhasePower := [3]float64{v.Phase1.ActivePower, v.Phase2.ActivePower, v.Phase3.ActivePower}
	for i := range wantPhasePower {
		if !almostEqual(gotPhasePower[i], wantPhasePower[i], 1e-6) {
			t.Errorf("Phase%d.ActivePower = %v, want %v", i+1, gotPhasePower[i], wantPhasePower[i])
		}
	}
	wantVoltage := [3]float64{232.4, 231.7, 233.7}
	gotVoltage := [3]float64{v.Phase1.PhVoltage, v.Phase2.PhVoltage, v.Phase3.PhVoltage}
	for i := range wantVoltage {
		if !almostEqual(gotVoltage[i], wantVoltage[i], 1e-6) {
			t.Errorf("Phase%d.PhVoltage = %v, want %v", i+1, gotVoltage[i], wantVoltage[i])
		}
	}
	if v.ActiveSensorTime != 1066563 {
		t.Errorf("ActiveSensorTime = %d, want 1066563", v.ActiveSensorTime)
	}
	if !almostEqual(v.ApparentPower, 272.84, 0.01) {
		t.Errorf("ApparentPower = %v, want ~272.84", v.ApparentPower)
	}
	if !almostEqual(v.ReactivePower, 85.19, 0.01) {
		t.Errorf("ReactivePower = %v, want ~85.19", v.ReactivePower)
	}

	if d.SerialNumber != "1EBZ0100507409" {
		t.Errorf("SerialNumber = %q, want 1EBZ0100507409", d.SerialNumber)
	}
	if d.Firmware != "107" {
		t.Errorf("Firmware = %q, want 107", d.Firmware)
	}
	if d.Status != "001C0104" {
		t.Errorf("Status = %q, want 001C0104", d.Status)
	}
	if d.Manufacturer != "EasyMeter" {
		t.Errorf("Manufacturer = %q, want EasyMeter", d.Manufacturer)
	}
	if d.Model != "DD3-BZ06-ETA-ODZ1" {
		t.Errorf("Model = %q, want DD3-BZ06-ETA-ODZ1", d.Model)
	}
	if d.Phases != 3 {
		t.Errorf("Phases = %d, want 3", d.Phases)
	}
}

func TestParseMissingHeaderIsProtocolError(t *testing.T) {
	p := newTestParser()
	_, _, err := p.Parse("1-0:1.8.0*255(1.0*kWh)\n!\r\n")
	if err == nil {
		t.Fatal("expected a protocol error for a telegram with no header line")
	}
}

func TestParseMalformedHeaderIsProtocolError(t *testing.T) {
	p := newTestParser()
	_, _, err := p.Parse("/not-a-valid-header\n!\r\n")
	if err == nil {
		t.Fatal("expected a protocol error for a malformed header line")
	}
}

func TestParseUnknownCodesAreIgnored(t *testing.T) {
	p := newTestParser()
	telegram := "/EBZ5DD3BZ06ETA_107\n" +
		"0-0:0.0.0*255(unrelated)\n" +
		"1-0:1.8.0*255(010.00000000*kWh)\n" +
		"!\r\n"
	v, _, err := p.Parse(telegram)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !almostEqual(v.EnergyKWh, 10.0, 1e-9) {
		t.Errorf("EnergyKWh = %v, want 10.0", v.EnergyKWh)
	}
}

func TestValuesJSONKeyOrderAndRounding(t *testing.T) {
	p := newTestParser()
	v, _, err := p.Parse(goldenTelegram)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	b, err := ValuesJSON(v)
	if err != nil {
		t.Fatalf("ValuesJSON returned error: %v", err)
	}
	s := string(b)
	if s[:len(`{"time":`)] != `{"time":` {
		t.Fatalf("expected JSON to start with time field, got %q", s)
	}
	want := `"energy":125.256886,"power_active":259.2,"power_apparent":272.84,`
	if !strings.Contains(s, want) {
		t.Fatalf("expected JSON to contain %q in this order and rounding, got %q", want, s)
	}
}

func TestValuesJSONByteIdenticalForEqualInput(t *testing.T) {
	p := newTestParser()
	v1, _, err := p.Parse(goldenTelegram)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	v2, _, err := p.Parse(goldenTelegram)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	b1, _ := ValuesJSON(v1)
	b2, _ := ValuesJSON(v2)
	if string(b1) != string(b2) {
		t.Fatalf("two parses of the same telegram at the same instant produced different JSON:\n%s\n%s", b1, b2)
	}
}
