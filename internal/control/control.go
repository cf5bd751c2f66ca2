// Package control publishes operator commands to devices and validates
// control payloads before they go out.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/mqttclient"
)

// ADC threshold values live in a 12-bit range.
const (
	ThresholdMin = 0
	ThresholdMax = 4095
)

// Publisher sends control payloads to control/<device>/set. Messages are
// retained at QoS 1 so a device that reconnects picks up the last command.
type Publisher struct {
	mqtt   *mqttclient.Client
	logger *zap.Logger
}

func NewPublisher(mqtt *mqttclient.Client, logger *zap.Logger) *Publisher {
	return &Publisher{mqtt: mqtt, logger: logger}
}

func (p *Publisher) PublishControl(_ context.Context, deviceID string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode control payload: %w", err)
	}
	topic := fmt.Sprintf("control/%s/set", deviceID)
	if err := p.mqtt.Publish(topic, 1, true, body); err != nil {
		return err
	}
	p.logger.Info("published control command",
		zap.String("device_id", deviceID),
		zap.String("topic", topic),
	)
	return nil
}

// ValidatePayload checks the threshold fields of an operator control
// request. deviceThreshold is the effective threshold known from device
// metadata, used when the payload itself does not carry one; nil means
// unknown. Violations are returned as descriptive errors with no partial
// effect.
func ValidatePayload(payload map[string]interface{}, deviceThreshold *int) error {
	threshold, hasThreshold, err := intField(payload, "threshold")
	if err != nil {
		return err
	}
	resetThreshold, hasReset, err := intField(payload, "reset_threshold")
	if err != nil {
		return err
	}

	if hasThreshold && (threshold < ThresholdMin || threshold > ThresholdMax) {
		return fmt.Errorf("threshold must be in [%d, %d], got %d", ThresholdMin, ThresholdMax, threshold)
	}
	if hasReset && (resetThreshold < ThresholdMin || resetThreshold > ThresholdMax) {
		return fmt.Errorf("reset_threshold must be in [%d, %d], got %d", ThresholdMin, ThresholdMax, resetThreshold)
	}

	if hasReset {
		effective := -1
		if hasThreshold {
			effective = threshold
		} else if deviceThreshold != nil {
			effective = *deviceThreshold
		}
		if effective >= 0 && resetThreshold >= effective {
			return fmt.Errorf("reset_threshold (%d) must be strictly less than threshold (%d)", resetThreshold, effective)
		}
	}
	return nil
}

func intField(payload map[string]interface{}, name string) (int, bool, error) {
	raw, ok := payload[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false, fmt.Errorf("%s must be an integer", name)
		}
		return int(v), true, nil
	case int:
		return v, true, nil
	default:
		return 0, false, fmt.Errorf("%s must be an integer", name)
	}
}
