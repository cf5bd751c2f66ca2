// Package httpapi serves the operator-facing query, control and session
// endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/control"
	"github.com/cornellpepper/CuWatch-server/internal/livestream"
	"github.com/cornellpepper/CuWatch-server/internal/models"
	"github.com/cornellpepper/CuWatch-server/internal/repository"
	"github.com/cornellpepper/CuWatch-server/internal/session"
	"github.com/cornellpepper/CuWatch-server/internal/timeparse"
)

// A device is reported online while its last_seen is this fresh. Derived
// from last_seen rather than the stored flag: without an explicit offline
// signal the flag would just go stale.
const onlineWindow = 5 * time.Minute

const (
	defaultSampleLimit = 500
	maxSampleLimit     = 20000
)

type Handlers struct {
	store    repository.Store
	sessions *session.Controller
	pub      session.ControlPublisher
	feed     *livestream.Feed // nil when the live feed is disabled
	logger   *zap.Logger

	// now is injectable for tests.
	now func() time.Time
}

func NewHandlers(store repository.Store, sessions *session.Controller, pub session.ControlPublisher, feed *livestream.Feed, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:    store,
		sessions: sessions,
		pub:      pub,
		feed:     feed,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type deviceView struct {
	ID           string             `json:"id"`
	Online       bool               `json:"online"`
	DeviceNumber int                `json:"device_number"`
	LastSeen     *time.Time         `json:"last_seen"`
	Meta         *models.DeviceMeta `json:"meta,omitempty"`
}

func (h *Handlers) Devices(w http.ResponseWriter, req *http.Request) {
	devices, err := h.store.Devices().ListDevices(req.Context())
	if err != nil {
		h.serverError(w, "failed to list devices", err)
		return
	}

	now := h.now()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		meta := d.Meta
		out = append(out, deviceView{
			ID:           d.ID,
			Online:       d.LastSeen != nil && now.Sub(*d.LastSeen) <= onlineWindow,
			DeviceNumber: d.DeviceNumber,
			LastSeen:     d.LastSeen,
			Meta:         &meta,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) Samples(w http.ResponseWriter, req *http.Request, deviceID string) {
	q := repository.SampleQuery{Limit: defaultSampleLimit}

	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			if n < 1 {
				n = 1
			}
			if n > maxSampleLimit {
				n = maxSampleLimit
			}
			q.Limit = n
		}
	}
	q.Start = parseTimeParam(req.URL.Query().Get("start"))
	q.End = parseTimeParam(req.URL.Query().Get("end"))

	samples, err := h.store.Samples().QuerySamples(req.Context(), deviceID, q)
	if err != nil {
		h.serverError(w, "failed to query samples", err)
		return
	}
	if samples == nil {
		samples = []models.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *Handlers) Runs(w http.ResponseWriter, req *http.Request, deviceID string) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.store.Runs().ListRuns(req.Context(), deviceID, limit)
	if err != nil {
		h.serverError(w, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) Control(w http.ResponseWriter, req *http.Request, deviceID string) {
	var payload map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The effective threshold may come from device metadata when the
	// request only carries reset_threshold.
	var deviceThreshold *int
	if dev, err := h.store.Devices().GetDevice(req.Context(), deviceID); err == nil && dev != nil {
		if cur := dev.Meta.CurrentRun; cur != nil {
			deviceThreshold = cur.Threshold
		}
	}

	if err := control.ValidatePayload(payload, deviceThreshold); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pub.PublishControl(req.Context(), deviceID, payload); err != nil {
		h.serverError(w, "failed to publish control command", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) SessionStart(w http.ResponseWriter, req *http.Request, deviceID string) {
	var body struct {
		DurationS int `json:"duration_s"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.sessions.Start(req.Context(), deviceID, body.DurationS)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) SessionStop(w http.ResponseWriter, req *http.Request, deviceID string) {
	err := h.sessions.Stop(req.Context(), deviceID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no session for device")
		return
	}
	if err != nil {
		h.serverError(w, "failed to stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) SessionStatus(w http.ResponseWriter, _ *http.Request, deviceID string) {
	writeJSON(w, http.StatusOK, h.sessions.Query(deviceID))
}

func (h *Handlers) LiveRecent(w http.ResponseWriter, req *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed disabled")
		return
	}
	n := int64(100)
	if raw := req.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			n = v
		}
	}
	events, err := h.feed.Recent(req.Context(), n)
	if err != nil {
		h.serverError(w, "failed to read live feed", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseTimeParam accepts epoch seconds (digit strings) or ISO-8601.
func parseTimeParam(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, ok := timeparse.Resolve(raw)
	if !ok {
		return nil
	}
	return &t
}

func (h *Handlers) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
