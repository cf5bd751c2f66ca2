package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/models"
)

func setupMockDB(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, zap.NewNop()), mock
}

func TestPostgresDevices_GetDevice(t *testing.T) {
	store, mock := setupMockDB(t)
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "last_seen", "online", "device_number", "meta"}).
		AddRow("muon01", seen, true, 7, `{"metrics":{"inst_rate_hz":2.0,"ema_rate_hz":1.9}}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, last_seen, online, device_number, meta")).
		WithArgs("muon01").
		WillReturnRows(rows)

	d, err := store.Devices().GetDevice(context.Background(), "muon01")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "muon01", d.ID)
	assert.True(t, d.Online)
	assert.Equal(t, 7, d.DeviceNumber)
	require.NotNil(t, d.LastSeen)
	assert.True(t, d.LastSeen.Equal(seen))
	require.NotNil(t, d.Meta.Metrics)
	assert.Equal(t, 1.9, d.Meta.Metrics.EMARateHz)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDevices_GetDeviceNotFound(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, last_seen, online, device_number, meta")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	d, err := store.Devices().GetDevice(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, d)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDevices_UpsertDevice(t *testing.T) {
	store, mock := setupMockDB(t)
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO devices")).
		WithArgs("muon01", seen, true, 7, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Devices().UpsertDevice(context.Background(), &models.Device{
		ID:           "muon01",
		LastSeen:     &seen,
		Online:       true,
		DeviceNumber: 7,
	})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDevices_TouchDevice(t *testing.T) {
	store, mock := setupMockDB(t)
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO devices")).
		WithArgs("muon01", seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Devices().TouchDevice(context.Background(), "muon01", seen))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSamples_InsertSampleReturnsID(t *testing.T) {
	store, mock := setupMockDB(t)
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO samples")).
		WithArgs("muon01", ts, 7, 42, 910, 885, 120, 3, true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

	s := &models.Sample{
		DeviceID:     "muon01",
		TS:           ts,
		DeviceNumber: 7,
		MuonCount:    42,
		ADCV:         910,
		TempADCV:     885,
		DT:           120,
		WaitCnt:      3,
		Coincidence:  true,
	}
	require.NoError(t, store.Samples().InsertSample(context.Background(), s))
	assert.Equal(t, int64(101), s.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSamples_QuerySamplesWindow(t *testing.T) {
	store, mock := setupMockDB(t)
	start := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "device_id", "ts", "device_number", "muon_count",
		"adc_v", "temp_adc_v", "dt", "wait_cnt", "coincidence",
	}).
		AddRow(int64(2), "muon01", end, 7, 10, 900, 880, 100, 0, false).
		AddRow(int64(1), "muon01", start, 7, 5, 905, 882, 100, 0, false)
	mock.ExpectQuery("ORDER BY ts DESC, muon_count DESC").
		WithArgs("muon01", start, end, 50).
		WillReturnRows(rows)

	out, err := store.Samples().QuerySamples(context.Background(), "muon01", SampleQuery{
		Limit: 50,
		Start: &start,
		End:   &end,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 10, out[0].MuonCount)
	assert.Equal(t, 5, out[1].MuonCount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSamples_MaxSampleID(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(id), 0) FROM samples")).
		WithArgs("muon01").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(55)))

	max, err := store.Samples().MaxSampleID(context.Background(), "muon01")
	require.NoError(t, err)
	assert.Equal(t, int64(55), max)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuns_UpsertRunReturnsID(t *testing.T) {
	store, mock := setupMockDB(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO runs")).
		WithArgs("muon01", base, "run-abc", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	run := &models.Run{DeviceID: "muon01", BaseTS: base, RunKey: "run-abc"}
	require.NoError(t, store.Runs().UpsertRun(context.Background(), run))
	assert.Equal(t, int64(9), run.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuns_LatestRunBase(t *testing.T) {
	store, mock := setupMockDB(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(base_ts) FROM runs")).
		WithArgs("muon01").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(base))

	got, err := store.Runs().LatestRunBase(context.Background(), "muon01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(base))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(base_ts) FROM runs")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	got, err = store.Runs().LatestRunBase(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuns_RunNewerThan(t *testing.T) {
	store, mock := setupMockDB(t)
	after := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	base := after.Add(time.Minute)

	rows := sqlmock.NewRows([]string{"id", "device_id", "base_ts", "run_key", "meta"}).
		AddRow(int64(3), "muon01", base, "run-next", `{"source":"device"}`)
	mock.ExpectQuery("base_ts > \\$2").
		WithArgs("muon01", after).
		WillReturnRows(rows)

	run, err := store.Runs().RunNewerThan(context.Background(), "muon01", &after)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "run-next", run.RunKey)
	assert.True(t, run.BaseTS.Equal(base))
	assert.Equal(t, "device", run.Meta.Source)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTxCommitAndRollback(t *testing.T) {
	store, mock := setupMockDB(t)
	ctx := context.Background()
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO devices")).
		WithArgs("muon01", seen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InTx(ctx, func(s Store) error {
		return s.Devices().TouchDevice(ctx, "muon01", seen)
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = store.InTx(ctx, func(Store) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}
