package models

import (
	"encoding/json"
	"math"
	"testing"
)

func TestMeasureDecoding(t *testing.T) {
	var sample struct {
		A Measure `json:"a"`
		B Measure `json:"b"`
		C Measure `json:"c"`
		D Measure `json:"d"`
		E Measure `json:"e"`
	}
	if err := json.Unmarshal([]byte(`{"a":42.5,"b":"7.1","c":null,"d":"n/a","e":{"x":1}}`), &sample); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := sample.A.Float64(); !ok || v != 42.5 {
		t.Fatalf("expected 42.5, got %v %v", v, ok)
	}
	if v, ok := sample.B.Float64(); !ok || v != 7.1 {
		t.Fatalf("expected numeric string to decode, got %v %v", v, ok)
	}
	for name, m := range map[string]Measure{"null": sample.C, "text": sample.D, "object": sample.E} {
		if m.Valid {
			t.Fatalf("expected %s to be absent, got %+v", name, m)
		}
	}

	out, err := json.Marshal(struct {
		A Measure `json:"a"`
		B Measure `json:"b"`
	}{A: Float(1.5), B: Float(math.NaN())})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(out) != `{"a":1.5,"b":null}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestParseMetricKind(t *testing.T) {
	cases := map[string]MetricKind{
		"temperature": MetricTemperature,
		" Vibration ": MetricVibration,
		"power":       MetricPowerConsumption,
		"prediction":  MetricPrediction,
	}
	for in, want := range cases {
		got, ok := ParseMetricKind(in)
		if !ok || got != want {
			t.Fatalf("ParseMetricKind(%q) = %q %v, want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseMetricKind("pressure"); ok {
		t.Fatalf("expected pressure to be unknown")
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityCritical.Rank() > SeverityWarning.Rank() && SeverityWarning.Rank() > SeverityNormal.Rank() && SeverityNormal.Rank() > SeverityUnknown.Rank()) {
		t.Fatalf("severity ranks out of order")
	}
	if SeverityNormal.Alerting() || !SeverityWarning.Alerting() {
		t.Fatalf("unexpected alerting bands")
	}
}

func TestMachineFilter(t *testing.T) {
	machines := []Machine{
		{ID: 1, Label: "CNC Mill", Active: true},
		{ID: 2, Label: "cnc lathe", Active: false},
		{ID: 3, Label: "Press", Active: true},
	}
	count := func(f MachineFilter) int {
		n := 0
		for _, m := range machines {
			if f.Match(m) {
				n++
			}
		}
		return n
	}

	if got := count(MachineFilter{Status: ParseStatusFilter("bogus")}); got != 3 {
		t.Fatalf("expected unknown status to match all, got %d", got)
	}
	if got := count(MachineFilter{Search: " CNC ", Status: StatusAll}); got != 2 {
		t.Fatalf("expected case-insensitive search, got %d", got)
	}
	if got := count(MachineFilter{Search: "cnc", Status: ParseStatusFilter("Inactive")}); got != 1 {
		t.Fatalf("expected one inactive cnc machine, got %d", got)
	}
	if got := count(MachineFilter{Status: StatusActive}); got != 2 {
		t.Fatalf("expected two active machines, got %d", got)
	}
}
