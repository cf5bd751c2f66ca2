package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cornellpepper/CuWatch-server/internal/models"
	"github.com/cornellpepper/CuWatch-server/internal/timeparse"
)

// toInt coerces the loose numeric representations devices actually send.
func toInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case float64:
		return int(x), nil
	case int:
		return x, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return int(x) != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		}
	}
	return false, fmt.Errorf("not a boolean: %v", v)
}

func requireInt(p map[string]interface{}, name string) (int, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, fmt.Errorf("%s must be int", name)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be int", name)
	}
	return n, nil
}

// decodeSample validates the required telemetry fields. dt is optional and
// defaults to 0; dtPresent distinguishes an explicit dt for timestamp
// synthesis.
func decodeSample(deviceID string, p map[string]interface{}) (s *models.Sample, dtPresent bool, err error) {
	s = &models.Sample{DeviceID: deviceID}

	if s.DeviceNumber, err = requireInt(p, "device_number"); err != nil {
		return nil, false, err
	}
	if s.MuonCount, err = requireInt(p, "muon_count"); err != nil {
		return nil, false, err
	}
	if s.ADCV, err = requireInt(p, "adc_v"); err != nil {
		return nil, false, err
	}
	if s.TempADCV, err = requireInt(p, "temp_adc_v"); err != nil {
		return nil, false, err
	}
	if s.WaitCnt, err = requireInt(p, "wait_cnt"); err != nil {
		return nil, false, err
	}

	rawCoincidence, ok := p["coincidence"]
	if !ok {
		return nil, false, fmt.Errorf("coincidence must be bool")
	}
	if s.Coincidence, err = toBool(rawCoincidence); err != nil {
		return nil, false, fmt.Errorf("coincidence must be bool")
	}

	if raw, ok := p["dt"]; ok && raw != nil {
		if dt, err := toInt(raw); err == nil {
			s.DT = dt
			dtPresent = true
		}
	}
	return s, dtPresent, nil
}

// resolveFirst resolves a timestamp from the first present key. A present
// key that fails to parse or falls before the validity floor makes the
// whole field absent; it does not fall through to lower-priority keys.
func resolveFirst(p map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		t, ok := timeparse.Resolve(v)
		if !ok || !timeparse.Valid(t) {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// controlFieldsFrom extracts the recognized run-tuning fields from a loose
// payload, ignoring unparseable values.
func controlFieldsFrom(p map[string]interface{}) models.ControlFields {
	var f models.ControlFields
	if p == nil {
		return f
	}
	if v, ok := p["baseline"]; ok && v != nil {
		if x, ok := v.(float64); ok {
			f.Baseline = &x
		}
	}
	if v, ok := p["is_leader"]; ok && v != nil {
		if b, err := toBool(v); err == nil {
			f.IsLeader = &b
		}
	}
	if v, ok := p["reset_threshold"]; ok && v != nil {
		if n, err := toInt(v); err == nil {
			f.ResetThreshold = &n
		}
	}
	if v, ok := p["threshold"]; ok && v != nil {
		if n, err := toInt(v); err == nil {
			f.Threshold = &n
		}
	}
	return f
}

func stringField(p map[string]interface{}, name string) string {
	switch v := p[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
