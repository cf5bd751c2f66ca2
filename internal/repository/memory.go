package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cornellpepper/CuWatch-server/internal/models"
)

// MemoryStore is an in-memory Store for tests and DB-less development.
// Each method takes the lock on its own; InTx runs fn directly since the
// bridge is the only writer in those setups.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]models.Device
	samples   []models.Sample
	runs      []models.Run
	nextSID   int64
	nextRunID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   map[string]models.Device{},
		nextSID:   1,
		nextRunID: 1,
	}
}

func (s *MemoryStore) Devices() DevicesRepo { return (*memoryDevices)(s) }
func (s *MemoryStore) Samples() SamplesRepo { return (*memorySamples)(s) }
func (s *MemoryStore) Runs() RunsRepo       { return (*memoryRuns)(s) }

func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

type memoryDevices MemoryStore

func (r *memoryDevices) GetDevice(_ context.Context, id string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *memoryDevices) UpsertDevice(_ context.Context, d *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = *d
	return nil
}

func (r *memoryDevices) TouchDevice(_ context.Context, id string, seen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[id]
	d.ID = id
	t := seen
	d.LastSeen = &t
	d.Online = true
	r.devices[id] = d
	return nil
}

func (r *memoryDevices) ListDevices(_ context.Context) ([]models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memorySamples MemoryStore

func (r *memorySamples) InsertSample(_ context.Context, s *models.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.nextSID
	r.nextSID++
	r.samples = append(r.samples, *s)
	return nil
}

func (r *memorySamples) QuerySamples(_ context.Context, deviceID string, q SampleQuery) ([]models.Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Sample
	for _, s := range r.samples {
		if s.DeviceID != deviceID {
			continue
		}
		if q.Start != nil && s.TS.Before(*q.Start) {
			continue
		}
		if q.End != nil && s.TS.After(*q.End) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.After(out[j].TS)
		}
		return out[i].MuonCount > out[j].MuonCount
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memorySamples) MaxSampleID(_ context.Context, deviceID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max int64
	for _, s := range r.samples {
		if s.DeviceID == deviceID && s.ID > max {
			max = s.ID
		}
	}
	return max, nil
}

func (r *memorySamples) FirstSampleAfter(_ context.Context, deviceID string, afterID int64, notBefore time.Time) (*models.Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.Sample
	for i := range r.samples {
		s := r.samples[i]
		if s.DeviceID != deviceID || s.ID <= afterID || s.TS.Before(notBefore) {
			continue
		}
		if found == nil || s.ID < found.ID {
			found = &r.samples[i]
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

type memoryRuns MemoryStore

func (r *memoryRuns) UpsertRun(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.runs {
		if r.runs[i].DeviceID == run.DeviceID && r.runs[i].BaseTS.Equal(run.BaseTS) {
			if run.RunKey == "" {
				run.RunKey = r.runs[i].RunKey
			}
			run.ID = r.runs[i].ID
			r.runs[i] = *run
			return nil
		}
	}
	run.ID = r.nextRunID
	r.nextRunID++
	r.runs = append(r.runs, *run)
	return nil
}

func (r *memoryRuns) GetRun(_ context.Context, deviceID string, base time.Time) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.runs {
		if r.runs[i].DeviceID == deviceID && r.runs[i].BaseTS.Equal(base) {
			cp := r.runs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryRuns) LatestRunBase(_ context.Context, deviceID string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *time.Time
	for i := range r.runs {
		if r.runs[i].DeviceID != deviceID {
			continue
		}
		t := r.runs[i].BaseTS
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memoryRuns) RunNewerThan(_ context.Context, deviceID string, after *time.Time) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.Run
	for i := range r.runs {
		run := r.runs[i]
		if run.DeviceID != deviceID {
			continue
		}
		if after != nil && !run.BaseTS.After(*after) {
			continue
		}
		if found == nil || run.BaseTS.Before(found.BaseTS) {
			found = &r.runs[i]
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (r *memoryRuns) ListRuns(_ context.Context, deviceID string, limit int) ([]models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Run
	for _, run := range r.runs {
		if run.DeviceID == deviceID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseTS.After(out[j].BaseTS) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
