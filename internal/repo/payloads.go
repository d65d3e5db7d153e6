package repo

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/utils"
)

// machineWire accepts both the current and the legacy machine schema.
type machineWire struct {
	ID               models.Measure  `json:"machine_id"`
	Label            string          `json:"machine_label"`
	ModelID          models.Measure  `json:"machine_model_id"`
	TypeID           models.Measure  `json:"machine_type_id"`
	BoxMAC           string          `json:"box_macaddress"`
	InstallationDate string          `json:"installation_date"`
	IsActive         json.RawMessage `json:"is_active"`
	Working          json.RawMessage `json:"working"`
}

func (w machineWire) toModel() (models.Machine, error) {
	id, ok := intValue(w.ID)
	if !ok {
		return models.Machine{}, malformed("machine record without a valid machine_id")
	}
	m := models.Machine{
		ID:               id,
		Label:            strings.TrimSpace(w.Label),
		BoxMAC:           strings.TrimSpace(w.BoxMAC),
		InstallationDate: normaliseDate(w.InstallationDate),
	}
	if v, ok := intValue(w.ModelID); ok {
		m.ModelID = &v
	}
	if v, ok := intValue(w.TypeID); ok {
		m.TypeID = &v
	}
	if m.Label == "" {
		m.Label = "Machine " + strconv.Itoa(id)
	}
	if active, ok := flagValue(w.IsActive); ok {
		m.Active = active
	} else if working, ok := flagValue(w.Working); ok {
		m.Active = working
	}
	return m, nil
}

// sensorWire is one sensor record as sent by the backend.
type sensorWire struct {
	MachineID        models.Measure  `json:"machine_id"`
	Timestamp        json.RawMessage `json:"timestamp"`
	Temperature      models.Measure  `json:"temperature"`
	Vibration        models.Measure  `json:"vibration"`
	Load             models.Measure  `json:"load"`
	PowerConsumption models.Measure  `json:"power_consumption"`
	Power            models.Measure  `json:"power"`
	CycleTime        models.Measure  `json:"cycle_time"`
	Error            string          `json:"error"`
}

func (w sensorWire) toModel(machineID int, fallback time.Time) (models.SensorSample, error) {
	ts, err := timestampValue(w.Timestamp, fallback)
	if err != nil {
		return models.SensorSample{}, err
	}
	s := models.SensorSample{
		MachineID:        machineID,
		Timestamp:        ts,
		Temperature:      w.Temperature,
		Vibration:        w.Vibration,
		Load:             w.Load,
		PowerConsumption: w.PowerConsumption,
		CycleTime:        w.CycleTime,
	}
	if id, ok := intValue(w.MachineID); ok {
		s.MachineID = id
	}
	if !s.PowerConsumption.Valid {
		s.PowerConsumption = w.Power
	}
	return s, nil
}

// predictionWire is one prediction record as sent by the backend.
type predictionWire struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	Prediction models.Measure  `json:"prediction"`
	Confidence models.Measure  `json:"confidence"`
	Error      string          `json:"error"`
}

func (w predictionWire) toModel(fallback time.Time) (models.Prediction, error) {
	ts, err := timestampValue(w.Timestamp, fallback)
	if err != nil {
		return models.Prediction{}, err
	}
	return models.Prediction{Timestamp: ts, Value: w.Prediction, Confidence: w.Confidence}, nil
}

// simulateWire covers the batch and the single-step simulate responses.
type simulateWire struct {
	Status      string           `json:"status"`
	Message     string           `json:"message"`
	Error       string           `json:"error"`
	Timestamp   json.RawMessage  `json:"timestamp"`
	Predictions []predictionWire `json:"predictions"`
	Prediction  json.RawMessage  `json:"prediction"`
	SensorData  *sensorWire      `json:"sensor_data"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	return strings.TrimSpace(string(bytes.TrimSpace(body)))
}

func decodeMachines(data []byte) ([]models.Machine, error) {
	var envelope struct {
		Machines []machineWire `json:"machines"`
	}
	var records []machineWire
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, malformed("decode machines: %v", err)
		}
	default:
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, malformed("decode machines: %v", err)
		}
		records = envelope.Machines
	}

	machines := make([]models.Machine, 0, len(records))
	for _, rec := range records {
		m, err := rec.toModel()
		if err != nil {
			continue
		}
		machines = append(machines, m)
	}
	if len(records) > 0 && len(machines) == 0 {
		return nil, malformed("no valid machine records")
	}
	sort.SliceStable(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
	return machines, nil
}

func decodeMachine(data []byte) (models.Machine, error) {
	var envelope struct {
		Machine *machineWire `json:"machine"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Machine != nil {
		return envelope.Machine.toModel()
	}
	var rec machineWire
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Machine{}, malformed("decode machine: %v", err)
	}
	return rec.toModel()
}

// decodeSensorData decodes a sensor history and returns it oldest first.
func decodeSensorData(machineID int, data []byte) ([]models.SensorSample, error) {
	var records []sensorWire
	if err := json.Unmarshal(data, &records); err != nil {
		var envelope struct {
			Data []sensorWire `json:"data"`
		}
		if err2 := json.Unmarshal(data, &envelope); err2 != nil || envelope.Data == nil {
			return nil, malformed("decode sensor data: %v", err)
		}
		records = envelope.Data
	}

	samples := make([]models.SensorSample, 0, len(records))
	for _, rec := range records {
		s, err := rec.toModel(machineID, time.Time{})
		if err != nil {
			continue
		}
		samples = append(samples, s)
	}
	if len(records) > 0 && len(samples) == 0 {
		return nil, malformed("no valid sensor records")
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

func decodeSimulation(data []byte, now time.Time) (models.SimulationResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []predictionWire
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return models.SimulationResult{}, malformed("decode simulation: %v", err)
		}
		preds, err := toPredictions(records, now)
		if err != nil {
			return models.SimulationResult{}, err
		}
		return models.SimulationResult{Timestamp: now, Predictions: preds}, nil
	}

	var wire simulateWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return models.SimulationResult{}, malformed("decode simulation: %v", err)
	}
	if strings.EqualFold(wire.Status, "error") || wire.Error != "" {
		msg := wire.Message
		if msg == "" {
			msg = wire.Error
		}
		return models.SimulationResult{}, &UpstreamError{Kind: KindServer, Message: msg}
	}

	ts, err := timestampValue(wire.Timestamp, now)
	if err != nil {
		return models.SimulationResult{}, err
	}
	result := models.SimulationResult{Status: wire.Status, Timestamp: ts}

	preds, err := toPredictions(wire.Predictions, ts)
	if err != nil {
		return models.SimulationResult{}, err
	}
	if step, ok := stepPrediction(wire.Prediction); ok {
		step.Timestamp = ts
		preds = append(preds, step)
	}
	result.Predictions = preds

	if wire.SensorData != nil {
		sample, err := wire.SensorData.toModel(0, ts)
		if err != nil {
			return models.SimulationResult{}, err
		}
		result.Sensor = &sample
	}
	return result, nil
}

// stepPrediction reads "prediction" as either a number or {prediction, confidence}.
func stepPrediction(raw json.RawMessage) (models.Prediction, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.Prediction{}, false
	}
	if raw[0] == '{' {
		var nested predictionWire
		if err := json.Unmarshal(raw, &nested); err != nil || !nested.Prediction.Valid {
			return models.Prediction{}, false
		}
		return models.Prediction{Value: nested.Prediction, Confidence: nested.Confidence}, true
	}
	var value models.Measure
	if err := json.Unmarshal(raw, &value); err != nil || !value.Valid {
		return models.Prediction{}, false
	}
	return models.Prediction{Value: value}, true
}

func toPredictions(records []predictionWire, fallback time.Time) ([]models.Prediction, error) {
	preds := make([]models.Prediction, 0, len(records))
	for _, rec := range records {
		p, err := rec.toModel(fallback)
		if err != nil {
			continue
		}
		preds = append(preds, p)
	}
	if len(records) > 0 && len(preds) == 0 {
		return nil, malformed("no valid prediction records")
	}
	return preds, nil
}

// DecodeSensorEvent decodes one sensor-stream frame. A frame carries either a
// single record, an array of records, or {error}. Records without a timestamp are
// stamped with received.
func DecodeSensorEvent(machineID int, data []byte, received time.Time) ([]models.SensorSample, error) {
	trimmed := bytes.TrimSpace(data)
	var records []sensorWire
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, malformed("decode sensor event: %v", err)
		}
	} else {
		var rec sensorWire
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, malformed("decode sensor event: %v", err)
		}
		if rec.Error != "" {
			return nil, &UpstreamError{Kind: KindServer, Message: rec.Error}
		}
		records = []sensorWire{rec}
	}

	samples := make([]models.SensorSample, 0, len(records))
	for _, rec := range records {
		s, err := rec.toModel(machineID, received)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// DecodePredictionEvent decodes one prediction-stream frame: {prediction},
// a bare number, or {error}.
func DecodePredictionEvent(data []byte, received time.Time) ([]models.Prediction, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '[' {
		p, ok := stepPrediction(json.RawMessage(trimmed))
		if !ok {
			return nil, malformed("decode prediction event: %q", trimmed)
		}
		p.Timestamp = received
		return []models.Prediction{p}, nil
	}

	var records []predictionWire
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, malformed("decode prediction event: %v", err)
		}
	} else {
		var rec predictionWire
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, malformed("decode prediction event: %v", err)
		}
		if rec.Error != "" {
			return nil, &UpstreamError{Kind: KindServer, Message: rec.Error}
		}
		records = []predictionWire{rec}
	}

	preds := make([]models.Prediction, 0, len(records))
	for _, rec := range records {
		if !rec.Prediction.Valid {
			return nil, malformed("prediction event without a prediction value")
		}
		p, err := rec.toModel(received)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func intValue(m models.Measure) (int, bool) {
	v, ok := m.Float64()
	if !ok || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}

func flagValue(raw json.RawMessage) (bool, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return parsed, true
		}
		return false, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, true
	}
	return false, false
}

// timestampValue accepts RFC 3339 style strings and unix seconds or milliseconds.
func timestampValue(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, malformed("invalid timestamp %s", raw)
		}
		if strings.TrimSpace(s) == "" {
			return fallback, nil
		}
		ts, err := utils.ParseTimestamp(s)
		if err != nil {
			return time.Time{}, malformed("invalid timestamp %q", s)
		}
		return ts, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, malformed("invalid timestamp %s", raw)
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func normaliseDate(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if ts, err := utils.ParseTimestamp(v); err == nil {
		return ts.Format(time.DateOnly)
	}
	return v
}
