// Package repository provides the persistence layer for devices, samples
// and runs, with a PostgreSQL implementation and an in-memory one used by
// tests and DB-less development.
package repository

import (
	"context"
	"time"

	"github.com/cornellpepper/CuWatch-server/internal/models"
)

// SampleQuery bounds a sample listing.
type SampleQuery struct {
	Limit int
	Start *time.Time
	End   *time.Time
}

// DevicesRepo accesses device rows. GetDevice returns (nil, nil) when the
// device has never been seen.
type DevicesRepo interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	UpsertDevice(ctx context.Context, d *models.Device) error
	// TouchDevice refreshes last_seen/online without touching meta or
	// device_number (the status-message path).
	TouchDevice(ctx context.Context, id string, seen time.Time) error
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// SamplesRepo accesses the append-only sample rows.
type SamplesRepo interface {
	InsertSample(ctx context.Context, s *models.Sample) error
	// QuerySamples returns newest-first rows; ties on ts are broken by
	// muon_count, not arrival order.
	QuerySamples(ctx context.Context, deviceID string, q SampleQuery) ([]models.Sample, error)
	MaxSampleID(ctx context.Context, deviceID string) (int64, error)
	// FirstSampleAfter returns the earliest sample with id > afterID and
	// ts >= notBefore, or (nil, nil) when none exists yet.
	FirstSampleAfter(ctx context.Context, deviceID string, afterID int64, notBefore time.Time) (*models.Sample, error)
}

// RunsRepo accesses run rows keyed by (device_id, base_ts).
type RunsRepo interface {
	// UpsertRun inserts or updates the row for (r.DeviceID, r.BaseTS).
	// Re-announcing the same base is idempotent.
	UpsertRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, deviceID string, base time.Time) (*models.Run, error)
	LatestRunBase(ctx context.Context, deviceID string) (*time.Time, error)
	// RunNewerThan returns the earliest run with base_ts strictly after
	// `after` (any run when after is nil), or (nil, nil).
	RunNewerThan(ctx context.Context, deviceID string, after *time.Time) (*models.Run, error)
	ListRuns(ctx context.Context, deviceID string, limit int) ([]models.Run, error)
}

// Store bundles the three repositories behind one transactional boundary.
type Store interface {
	Devices() DevicesRepo
	Samples() SamplesRepo
	Runs() RunsRepo
	// InTx runs fn against a store whose writes commit or roll back
	// together. No transaction ever spans more than one message.
	InTx(ctx context.Context, fn func(Store) error) error
}
