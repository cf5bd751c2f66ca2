// Package session implements the timed-session controller: it starts a
// device run, waits for confirmation that the run produced its first
// sample, then arms a deadline-based shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/repository"
)

// MaxDurationS is one week, the longest session an operator may request.
const MaxDurationS = 604800

// ErrNotFound is returned by Stop when no session occupies the device slot.
var ErrNotFound = errors.New("no session for device")

// ControlPublisher sends a command payload to a device's control topic.
type ControlPublisher interface {
	PublishControl(ctx context.Context, deviceID string, payload map[string]interface{}) error
}

// state is one session slot. Tokens are the cancellation mechanism: every
// background task re-reads the slot and exits when its token no longer
// matches, so superseded or stopped sessions die without preemption.
type state struct {
	token        int64
	durationS    int
	pending      bool
	startTime    time.Time
	stopTime     time.Time
	startAfterID int64
	lastRunBase  *time.Time
}

// Status reports the session occupying a device's slot.
type Status struct {
	Active     bool       `json:"active"`
	Pending    bool       `json:"pending"`
	DurationS  int        `json:"duration_s,omitempty"`
	RemainingS float64    `json:"remaining_s"`
	StopTime   *time.Time `json:"stop_time,omitempty"`
}

// StartResult is the synchronous reply to a start request.
type StartResult struct {
	OK        bool `json:"ok"`
	DurationS int  `json:"duration_s"`
	Pending   bool `json:"pending"`
}

type Controller struct {
	mu        sync.Mutex
	sessions  map[string]*state
	lastToken int64

	store  repository.Store
	pub    ControlPublisher
	logger *zap.Logger
	poll   time.Duration
	done   chan struct{}

	// now is injectable for tests.
	now func() time.Time
}

func NewController(store repository.Store, pub ControlPublisher, poll time.Duration, logger *zap.Logger) *Controller {
	if poll <= 0 {
		poll = time.Second
	}
	return &Controller{
		sessions: map[string]*state{},
		store:    store,
		pub:      pub,
		logger:   logger,
		poll:     poll,
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close releases all background tasks. Session slots are not shut down;
// the process is going away with them.
func (c *Controller) Close() {
	close(c.done)
}

// Start begins a timed session for a device, superseding any prior session
// in the slot. The "new run" command is fire-and-forget; confirmation is
// observed through the persisted state the bridge writes.
func (c *Controller) Start(ctx context.Context, deviceID string, durationS int) (StartResult, error) {
	if durationS <= 0 || durationS > MaxDurationS {
		return StartResult{}, fmt.Errorf("duration_s must be in (0, %d], got %d", MaxDurationS, durationS)
	}

	// Capture the high-water marks before publishing so confirmation only
	// matches state created after this start.
	startAfterID, err := c.store.Samples().MaxSampleID(ctx, deviceID)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to read sample high-water mark: %w", err)
	}
	lastRunBase, err := c.store.Runs().LatestRunBase(ctx, deviceID)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to read latest run base: %w", err)
	}

	c.mu.Lock()
	token := c.nextTokenLocked()
	c.sessions[deviceID] = &state{
		token:        token,
		durationS:    durationS,
		pending:      true,
		startAfterID: startAfterID,
		lastRunBase:  lastRunBase,
	}
	c.mu.Unlock()

	if err := c.pub.PublishControl(ctx, deviceID, map[string]interface{}{"new_run": true}); err != nil {
		c.logger.Warn("new_run publish failed", zap.String("device_id", deviceID), zap.Error(err))
	}

	c.logger.Info("session pending",
		zap.String("device_id", deviceID),
		zap.Int("duration_s", durationS),
		zap.Int64("start_after_id", startAfterID),
	)

	go c.awaitConfirm(deviceID, token, startAfterID, lastRunBase)

	return StartResult{OK: true, DurationS: durationS, Pending: true}, nil
}

// Stop removes the device's session, whatever its state, and publishes a
// shutdown immediately. Background tasks notice via token mismatch.
func (c *Controller) Stop(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	_, ok := c.sessions[deviceID]
	if ok {
		delete(c.sessions, deviceID)
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if err := c.pub.PublishControl(ctx, deviceID, map[string]interface{}{"shutdown": true}); err != nil {
		c.logger.Warn("shutdown publish failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	c.logger.Info("session stopped", zap.String("device_id", deviceID))
	return nil
}

// Query reports the session occupying the device's slot, if any.
func (c *Controller) Query(deviceID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[deviceID]
	if !ok {
		return Status{}
	}
	st := Status{
		Active:    true,
		Pending:   s.pending,
		DurationS: s.durationS,
	}
	if !s.pending {
		remaining := s.stopTime.Sub(c.now()).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		st.RemainingS = remaining
		stop := s.stopTime
		st.StopTime = &stop
	}
	return st
}

// awaitConfirm polls for a run newer than the pre-start base, then for the
// first sample of that run. The polling sleep happens outside the lock so
// other devices' sessions are never blocked.
func (c *Controller) awaitConfirm(deviceID string, token int64, startAfterID int64, lastRunBase *time.Time) {
	ctx := context.Background()
	for {
		if !c.tokenCurrent(deviceID, token) {
			return
		}

		run, err := c.store.Runs().RunNewerThan(ctx, deviceID, lastRunBase)
		if err != nil {
			c.logger.Warn("run confirmation poll failed", zap.String("device_id", deviceID), zap.Error(err))
		} else if run != nil {
			sample, err := c.store.Samples().FirstSampleAfter(ctx, deviceID, startAfterID, run.BaseTS)
			if err != nil {
				c.logger.Warn("sample confirmation poll failed", zap.String("device_id", deviceID), zap.Error(err))
			} else if sample != nil {
				if c.confirm(deviceID, token) {
					c.logger.Info("session running",
						zap.String("device_id", deviceID),
						zap.Time("run_base_ts", run.BaseTS),
						zap.Int64("first_sample_id", sample.ID),
					)
				}
				return
			}
		}

		select {
		case <-c.done:
			return
		case <-time.After(c.poll):
		}
	}
}

// confirm transitions PENDING -> RUNNING and arms the deadline. Reports
// false when the slot was superseded or stopped in the meantime.
func (c *Controller) confirm(deviceID string, token int64) bool {
	c.mu.Lock()
	s, ok := c.sessions[deviceID]
	if !ok || s.token != token {
		c.mu.Unlock()
		return false
	}
	s.pending = false
	s.startTime = c.now()
	s.stopTime = s.startTime.Add(time.Duration(s.durationS) * time.Second)
	duration := time.Duration(s.durationS) * time.Second
	c.mu.Unlock()

	go c.deadline(deviceID, token, duration)
	return true
}

// deadline sleeps out the session duration, then shuts the device down if
// and only if this session still owns the slot.
func (c *Controller) deadline(deviceID string, token int64, d time.Duration) {
	select {
	case <-c.done:
		return
	case <-time.After(d):
	}

	c.mu.Lock()
	s, ok := c.sessions[deviceID]
	if !ok || s.token != token {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, deviceID)
	c.mu.Unlock()

	if err := c.pub.PublishControl(context.Background(), deviceID, map[string]interface{}{"shutdown": true}); err != nil {
		c.logger.Warn("deadline shutdown publish failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	c.logger.Info("session deadline fired", zap.String("device_id", deviceID))
}

func (c *Controller) tokenCurrent(deviceID string, token int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[deviceID]
	return ok && s.token == token
}

// nextTokenLocked issues a strictly increasing token. Nanosecond clock
// seeded, bumped when two starts land in the same tick.
func (c *Controller) nextTokenLocked() int64 {
	token := time.Now().UnixNano()
	if token <= c.lastToken {
		token = c.lastToken + 1
	}
	c.lastToken = token
	return token
}
