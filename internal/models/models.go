package models

import (
	"encoding/json"
	"time"
)

// Sample is one detector event. Append-only; never mutated by the bridge.
type Sample struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"device_id"`
	TS           time.Time `json:"ts"`
	DeviceNumber int       `json:"device_number"`
	MuonCount    int       `json:"muon_count"`
	ADCV         int       `json:"adc_v"`
	TempADCV     int       `json:"temp_adc_v"`
	DT           int       `json:"dt"`
	WaitCnt      int       `json:"wait_cnt"`
	Coincidence  bool      `json:"coincidence"`
}

// Device is one row per device identity, upserted on every accepted message.
type Device struct {
	ID           string     `json:"id"`
	LastSeen     *time.Time `json:"last_seen"`
	Online       bool       `json:"online"`
	DeviceNumber int        `json:"device_number"`
	Meta         DeviceMeta `json:"meta"`
}

// Run is a bounded acquisition window, unique per (device_id, base_ts).
type Run struct {
	ID       int64     `json:"id"`
	DeviceID string    `json:"device_id"`
	BaseTS   time.Time `json:"base_ts"`
	RunKey   string    `json:"run_key,omitempty"`
	Meta     RunMeta   `json:"meta"`
}

// ControlFields are the run-tuning knobs a device or operator may set.
// All fields are optional; nil means "not supplied".
type ControlFields struct {
	Baseline       *float64 `json:"baseline,omitempty"`
	IsLeader       *bool    `json:"is_leader,omitempty"`
	ResetThreshold *int     `json:"reset_threshold,omitempty"`
	Threshold      *int     `json:"threshold,omitempty"`
}

// Merge folds non-nil fields of other into c, other winning on conflict.
func (c *ControlFields) Merge(other ControlFields) {
	if other.Baseline != nil {
		c.Baseline = other.Baseline
	}
	if other.IsLeader != nil {
		c.IsLeader = other.IsLeader
	}
	if other.ResetThreshold != nil {
		c.ResetThreshold = other.ResetThreshold
	}
	if other.Threshold != nil {
		c.Threshold = other.Threshold
	}
}

// IsZero reports whether no field is set.
func (c ControlFields) IsZero() bool {
	return c.Baseline == nil && c.IsLeader == nil && c.ResetThreshold == nil && c.Threshold == nil
}

// CurrentRun is the device-meta pointer to the active run.
type CurrentRun struct {
	BaseTS time.Time `json:"base_ts"`
	ID     string    `json:"id,omitempty"`
	ControlFields
}

// Metrics holds the rolling sample-rate figures for a device.
type Metrics struct {
	InstRateHz float64 `json:"inst_rate_hz"`
	EMARateHz  float64 `json:"ema_rate_hz"`
}

// DeviceMeta is the per-device JSON document stored in devices.meta.
type DeviceMeta struct {
	CurrentRun *CurrentRun `json:"current_run,omitempty"`
	Metrics    *Metrics    `json:"metrics,omitempty"`
}

// RunMeta is the per-run JSON document stored in runs.meta.
type RunMeta struct {
	Source string `json:"source,omitempty"`
	ControlFields
	ControlSnapshot map[string]interface{} `json:"control_snapshot,omitempty"`
}

// ParseDeviceMeta decodes a stored meta document, returning an empty meta
// on missing or malformed input rather than failing the read.
func ParseDeviceMeta(raw []byte) DeviceMeta {
	var m DeviceMeta
	if len(raw) == 0 {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return DeviceMeta{}
	}
	return m
}

// ParseRunMeta decodes a stored run meta document, defaulting on error.
func ParseRunMeta(raw []byte) RunMeta {
	var m RunMeta
	if len(raw) == 0 {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return RunMeta{}
	}
	return m
}

// EncodeMeta serializes a meta document for storage.
func EncodeMeta(m interface{}) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
