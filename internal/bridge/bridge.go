// Package bridge implements the ingestion bridge: it subscribes to the
// detector topics, classifies messages, and turns telemetry into sample,
// device and run rows under a per-message transaction.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/livestream"
	"github.com/cornellpepper/CuWatch-server/internal/models"
	"github.com/cornellpepper/CuWatch-server/internal/mqttclient"
	"github.com/cornellpepper/CuWatch-server/internal/repository"
)

// Key priority is first-listed-wins when a payload carries more than one.
var (
	timestampKeys = []string{"timestamp", "ts", "end_time"}
	runBaseKeys   = []string{"run_base_ts", "run_start_ts", "run_start"}
)

const emaAlpha = 0.2

type Bridge struct {
	store  repository.Store
	feed   *livestream.Feed // nil when the live feed is disabled
	cache  *controlCache
	logger *zap.Logger

	// now is injectable for tests.
	now func() time.Time
}

func New(store repository.Store, feed *livestream.Feed, controlCacheSize int, logger *zap.Logger) *Bridge {
	return &Bridge{
		store:  store,
		feed:   feed,
		cache:  newControlCache(controlCacheSize),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes the bridge's topics and blocks until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, client *mqttclient.Client) error {
	for _, filter := range []string{"telemetry/#", "status/+", "control/+/set"} {
		if err := client.Subscribe(filter, 1, b.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
		}
	}
	b.logger.Info("ingestion bridge subscribed",
		zap.Strings("filters", []string{"telemetry/#", "status/+", "control/+/set"}),
	)
	<-ctx.Done()
	return nil
}

// Stop removes the bridge's subscriptions.
func (b *Bridge) Stop(client *mqttclient.Client) error {
	return client.Unsubscribe("telemetry/#", "status/+", "control/+/set")
}

// HandleMessage routes one inbound message by topic. All recoverable
// conditions are absorbed here; a returned error is only ever logged by the
// transport wrapper, never retried.
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	ctx := context.Background()

	switch parts[0] {
	case "telemetry":
		deviceID := "unknown"
		if len(parts) > 1 {
			deviceID = parts[1]
		}
		return b.handleTelemetry(ctx, deviceID, payload)

	case "status":
		deviceID := "unknown"
		if len(parts) > 1 {
			deviceID = parts[1]
		}
		return b.handleStatus(ctx, deviceID)

	case "control":
		if len(parts) < 3 || parts[2] != "set" {
			return fmt.Errorf("invalid control topic: %s", topic)
		}
		b.handleControl(parts[1], payload)
		return nil

	default:
		return fmt.Errorf("unrecognized topic: %s", topic)
	}
}

// handleControl caches the payload verbatim, last write wins. No rows are
// touched; the snapshot only enriches future run announcements.
func (b *Bridge) handleControl(deviceID string, payload []byte) {
	var p map[string]interface{}
	if err := json.Unmarshal(payload, &p); err != nil {
		b.logger.Debug("dropping malformed control payload",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	b.cache.Set(deviceID, p)
}

func (b *Bridge) handleStatus(ctx context.Context, deviceID string) error {
	if err := b.store.Devices().TouchDevice(ctx, deviceID, b.now()); err != nil {
		return fmt.Errorf("status upsert for %s: %w", deviceID, err)
	}
	return nil
}

func (b *Bridge) handleTelemetry(ctx context.Context, deviceID string, payload []byte) error {
	var p map[string]interface{}
	if err := json.Unmarshal(payload, &p); err != nil {
		// Silent drop: the publisher will not retry on our behalf and a
		// lossy telemetry stream favors availability over completeness.
		b.logger.Debug("dropping malformed telemetry payload", zap.String("device_id", deviceID))
		return nil
	}

	row, dtPresent, err := decodeSample(deviceID, p)
	if err != nil {
		b.logger.Warn("skipping bad telemetry message",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil
	}

	dev, err := b.store.Devices().GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	var meta models.DeviceMeta
	if dev != nil {
		meta = dev.Meta
	}

	ts, tsOK := resolveFirst(p, timestampKeys...)
	base, baseOK := resolveFirst(p, runBaseKeys...)
	payloadFields := controlFieldsFrom(p)

	var run *models.Run
	if baseOK {
		run = b.announceRun(deviceID, &meta, base, p, payloadFields)
	}

	b.updateMetrics(&meta, row.DT, dtPresent)

	// Timestamp policy: payload value, else base + dt when both exist,
	// else receipt time.
	switch {
	case tsOK:
		row.TS = ts
	case dtPresent && meta.CurrentRun != nil:
		row.TS = meta.CurrentRun.BaseTS.Add(time.Duration(row.DT) * time.Millisecond)
	default:
		row.TS = b.now()
	}

	seen := row.TS
	err = b.store.InTx(ctx, func(tx repository.Store) error {
		if run != nil {
			if err := tx.Runs().UpsertRun(ctx, run); err != nil {
				return err
			}
		}
		if err := tx.Samples().InsertSample(ctx, row); err != nil {
			return err
		}
		return tx.Devices().UpsertDevice(ctx, &models.Device{
			ID:           deviceID,
			LastSeen:     &seen,
			Online:       true,
			DeviceNumber: row.DeviceNumber,
			Meta:         meta,
		})
	})
	if err != nil {
		return fmt.Errorf("telemetry write for %s: %w", deviceID, err)
	}

	// Late-field merge and the live feed are both best-effort; the sample
	// is already committed and must stay committed.
	if !baseOK && !payloadFields.IsZero() && meta.CurrentRun != nil {
		if err := b.mergeLateFields(ctx, deviceID, meta.CurrentRun.BaseTS, payloadFields); err != nil {
			b.logger.Warn("late control-field merge failed",
				zap.String("device_id", deviceID),
				zap.Time("base_ts", meta.CurrentRun.BaseTS),
				zap.Error(err),
			)
		}
	}

	if b.feed != nil {
		ev := livestream.Event{
			Topic:    "telemetry/" + deviceID,
			DeviceID: deviceID,
			Sample:   *row,
		}
		if err := b.feed.Publish(ctx, ev); err != nil {
			b.logger.Warn("live feed publish failed", zap.Error(err))
		}
	}
	return nil
}

// announceRun updates the current-run pointer and builds the Run row for an
// announced base. The pointer only ever moves forward; an equal base merges
// fields in place and an older base records the row without moving it.
func (b *Bridge) announceRun(deviceID string, meta *models.DeviceMeta, base time.Time, p map[string]interface{}, payloadFields models.ControlFields) *models.Run {
	runID := stringField(p, "run_id")

	snapshot := b.cache.Get(deviceID)
	merged := controlFieldsFrom(snapshot)
	merged.Merge(payloadFields) // telemetry's own fields win over the cache

	switch cur := meta.CurrentRun; {
	case cur == nil || base.After(cur.BaseTS):
		meta.CurrentRun = &models.CurrentRun{BaseTS: base, ID: runID, ControlFields: merged}
	case base.Equal(cur.BaseTS):
		if runID != "" {
			cur.ID = runID
		}
		cur.ControlFields.Merge(merged)
	}

	return &models.Run{
		DeviceID: deviceID,
		BaseTS:   base,
		RunKey:   runID,
		Meta: models.RunMeta{
			Source:          "telemetry",
			ControlFields:   merged,
			ControlSnapshot: snapshot,
		},
	}
}

func (b *Bridge) updateMetrics(meta *models.DeviceMeta, dt int, dtPresent bool) {
	if !dtPresent || dt <= 0 {
		return
	}
	inst := round3(1000.0 / float64(dt))
	if meta.Metrics == nil {
		meta.Metrics = &models.Metrics{InstRateHz: inst, EMARateHz: inst}
		return
	}
	meta.Metrics.InstRateHz = inst
	meta.Metrics.EMARateHz = round3(emaAlpha*inst + (1-emaAlpha)*meta.Metrics.EMARateHz)
}

// mergeLateFields folds control fields that arrived without a run
// announcement into the already-persisted run's meta, payload winning over
// what is stored.
func (b *Bridge) mergeLateFields(ctx context.Context, deviceID string, base time.Time, fields models.ControlFields) error {
	run, err := b.store.Runs().GetRun(ctx, deviceID, base)
	if err != nil {
		return err
	}
	if run == nil {
		run = &models.Run{
			DeviceID: deviceID,
			BaseTS:   base,
			Meta:     models.RunMeta{Source: "telemetry"},
		}
	}
	run.Meta.ControlFields.Merge(fields)
	return b.store.Runs().UpsertRun(ctx, run)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
