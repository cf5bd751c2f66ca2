package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/models"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	q      querier
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, q: db, logger: logger}
}

func (s *PostgresStore) Devices() DevicesRepo { return &postgresDevices{q: s.q} }
func (s *PostgresStore) Samples() SamplesRepo { return &postgresSamples{q: s.q} }
func (s *PostgresStore) Runs() RunsRepo       { return &postgresRuns{q: s.q} }

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	txStore := &PostgresStore{db: s.db, q: tx, logger: s.logger}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

type postgresDevices struct {
	q querier
}

func (r *postgresDevices) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `
		SELECT id, last_seen, online, device_number, meta
		FROM devices
		WHERE id = $1`

	var (
		d      models.Device
		seen   sql.NullTime
		online sql.NullBool
		devNum sql.NullInt64
		meta   sql.NullString
	)
	err := r.q.QueryRowContext(ctx, query, id).Scan(&d.ID, &seen, &online, &devNum, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	if seen.Valid {
		t := seen.Time.UTC()
		d.LastSeen = &t
	}
	d.Online = online.Valid && online.Bool
	d.DeviceNumber = int(devNum.Int64)
	if meta.Valid {
		d.Meta = models.ParseDeviceMeta([]byte(meta.String))
	}
	return &d, nil
}

func (r *postgresDevices) UpsertDevice(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (id, last_seen, online, device_number, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			online = EXCLUDED.online,
			device_number = EXCLUDED.device_number,
			meta = EXCLUDED.meta`

	var seen interface{}
	if d.LastSeen != nil {
		seen = *d.LastSeen
	}
	_, err := r.q.ExecContext(ctx, query, d.ID, seen, d.Online, d.DeviceNumber, string(models.EncodeMeta(d.Meta)))
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

func (r *postgresDevices) TouchDevice(ctx context.Context, id string, seen time.Time) error {
	query := `
		INSERT INTO devices (id, last_seen, online)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			online = TRUE`

	if _, err := r.q.ExecContext(ctx, query, id, seen); err != nil {
		return fmt.Errorf("failed to touch device %s: %w", id, err)
	}
	return nil
}

func (r *postgresDevices) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT id, last_seen, online, device_number, meta
		FROM devices
		ORDER BY id`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var (
			d      models.Device
			seen   sql.NullTime
			online sql.NullBool
			devNum sql.NullInt64
			meta   sql.NullString
		)
		if err := rows.Scan(&d.ID, &seen, &online, &devNum, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if seen.Valid {
			t := seen.Time.UTC()
			d.LastSeen = &t
		}
		d.Online = online.Valid && online.Bool
		d.DeviceNumber = int(devNum.Int64)
		if meta.Valid {
			d.Meta = models.ParseDeviceMeta([]byte(meta.String))
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type postgresSamples struct {
	q querier
}

func (r *postgresSamples) InsertSample(ctx context.Context, s *models.Sample) error {
	query := `
		INSERT INTO samples (device_id, ts, device_number, muon_count, adc_v, temp_adc_v, dt, wait_cnt, coincidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.q.QueryRowContext(ctx, query,
		s.DeviceID, s.TS, s.DeviceNumber, s.MuonCount, s.ADCV, s.TempADCV, s.DT, s.WaitCnt, s.Coincidence,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

func (r *postgresSamples) QuerySamples(ctx context.Context, deviceID string, q SampleQuery) ([]models.Sample, error) {
	where := []string{"device_id = $1"}
	args := []interface{}{deviceID}
	argN := 2

	if q.Start != nil {
		where = append(where, fmt.Sprintf("ts >= $%d", argN))
		args = append(args, *q.Start)
		argN++
	}
	if q.End != nil {
		where = append(where, fmt.Sprintf("ts <= $%d", argN))
		args = append(args, *q.End)
		argN++
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, device_id, ts, device_number, muon_count, adc_v, temp_adc_v, dt, wait_cnt, coincidence
		FROM samples
		WHERE %s
		ORDER BY ts DESC, muon_count DESC
		LIMIT $%d`, strings.Join(where, " AND "), argN)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []models.Sample
	for rows.Next() {
		var s models.Sample
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.TS, &s.DeviceNumber, &s.MuonCount,
			&s.ADCV, &s.TempADCV, &s.DT, &s.WaitCnt, &s.Coincidence); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.TS = s.TS.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *postgresSamples) MaxSampleID(ctx context.Context, deviceID string) (int64, error) {
	var max int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM samples WHERE device_id = $1`, deviceID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max sample id: %w", err)
	}
	return max, nil
}

func (r *postgresSamples) FirstSampleAfter(ctx context.Context, deviceID string, afterID int64, notBefore time.Time) (*models.Sample, error) {
	query := `
		SELECT id, device_id, ts, device_number, muon_count, adc_v, temp_adc_v, dt, wait_cnt, coincidence
		FROM samples
		WHERE device_id = $1 AND id > $2 AND ts >= $3
		ORDER BY id ASC
		LIMIT 1`

	var s models.Sample
	err := r.q.QueryRowContext(ctx, query, deviceID, afterID, notBefore).Scan(
		&s.ID, &s.DeviceID, &s.TS, &s.DeviceNumber, &s.MuonCount,
		&s.ADCV, &s.TempADCV, &s.DT, &s.WaitCnt, &s.Coincidence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find first sample: %w", err)
	}
	s.TS = s.TS.UTC()
	return &s, nil
}

type postgresRuns struct {
	q querier
}

func (r *postgresRuns) UpsertRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (device_id, base_ts, run_key, meta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, base_ts) DO UPDATE SET
			run_key = COALESCE(NULLIF(EXCLUDED.run_key, ''), runs.run_key),
			meta = EXCLUDED.meta
		RETURNING id`

	err := r.q.QueryRowContext(ctx, query,
		run.DeviceID, run.BaseTS, run.RunKey, string(models.EncodeMeta(run.Meta)),
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

func (r *postgresRuns) GetRun(ctx context.Context, deviceID string, base time.Time) (*models.Run, error) {
	query := `
		SELECT id, device_id, base_ts, run_key, meta
		FROM runs
		WHERE device_id = $1 AND base_ts = $2`

	return r.scanOne(r.q.QueryRowContext(ctx, query, deviceID, base))
}

func (r *postgresRuns) LatestRunBase(ctx context.Context, deviceID string) (*time.Time, error) {
	var base sql.NullTime
	err := r.q.QueryRowContext(ctx,
		`SELECT MAX(base_ts) FROM runs WHERE device_id = $1`, deviceID,
	).Scan(&base)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run base: %w", err)
	}
	if !base.Valid {
		return nil, nil
	}
	t := base.Time.UTC()
	return &t, nil
}

func (r *postgresRuns) RunNewerThan(ctx context.Context, deviceID string, after *time.Time) (*models.Run, error) {
	where := "device_id = $1"
	args := []interface{}{deviceID}
	if after != nil {
		where += " AND base_ts > $2"
		args = append(args, *after)
	}
	query := fmt.Sprintf(`
		SELECT id, device_id, base_ts, run_key, meta
		FROM runs
		WHERE %s
		ORDER BY base_ts ASC
		LIMIT 1`, where)

	return r.scanOne(r.q.QueryRowContext(ctx, query, args...))
}

func (r *postgresRuns) ListRuns(ctx context.Context, deviceID string, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, device_id, base_ts, run_key, meta
		FROM runs
		WHERE device_id = $1
		ORDER BY base_ts DESC
		LIMIT $2`

	rows, err := r.q.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		var (
			run    models.Run
			runKey sql.NullString
			meta   sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.DeviceID, &run.BaseTS, &runKey, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.BaseTS = run.BaseTS.UTC()
		run.RunKey = runKey.String
		if meta.Valid {
			run.Meta = models.ParseRunMeta([]byte(meta.String))
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *postgresRuns) scanOne(row *sql.Row) (*models.Run, error) {
	var (
		run    models.Run
		runKey sql.NullString
		meta   sql.NullString
	)
	err := row.Scan(&run.ID, &run.DeviceID, &run.BaseTS, &runKey, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.BaseTS = run.BaseTS.UTC()
	run.RunKey = runKey.String
	if meta.Valid {
		run.Meta = models.ParseRunMeta([]byte(meta.String))
	}
	return &run, nil
}
