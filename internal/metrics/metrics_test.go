package metrics

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSample(device string, busy bool) *Sample {
	return &Sample{
		Timestamp:   time.Unix(1700000000, 0),
		Device:      device,
		Temperature: TempMetrics{Current: 61, Average: 59.5},
		Fan:         FanMetrics{Duty: 42.5, Native: 108},
		PowerLimit:  PowerMetrics{Current: 180000000, Managed: true},
		Utilization: UtilizationMetrics{
			Known:          busy,
			BusyPercent:    87,
			VRAMUsedBytes:  1 << 30,
			VRAMTotalBytes: 16 << 30,
		},
		State: StateMetrics{Degraded: true},
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := Config{Enabled: true}
	assert.True(t, errors.HasCode(cfg.Validate(), ErrInvalidDBPath))

	cfg = Config{Enabled: true, DBPath: "x.db"}
	assert.True(t, errors.HasCode(cfg.Validate(), ErrInvalidConfig))
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc, err := NewService(DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	assert.NoError(t, svc.Record(context.Background(), testSample("card0", false)))
	assert.NoError(t, svc.Close())
}

func TestRepositoryFlushesOnBatchSize(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "metrics.db")

	repo, err := NewRepository(Config{
		DBPath:    dbPath,
		BackupDir: filepath.Join(dir, "backups"),
		BatchSize: 2,
		Enabled:   true,
	}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, repo.Record(testSample("0000:03:00.0", true)))
	require.NoError(t, repo.Record(testSample("0000:04:00.0", false)))
	require.NoError(t, repo.Record(testSample("0000:03:00.0", true)))
	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&count))
	assert.Equal(t, 3, count)

	var busy sql.NullInt64
	var duty float64
	require.NoError(t, db.QueryRow(
		"SELECT gpu_busy, duty FROM samples WHERE device = ? LIMIT 1", "0000:04:00.0",
	).Scan(&busy, &duty))
	assert.False(t, busy.Valid)
	assert.InDelta(t, 42.5, duty, 0.001)

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestServiceRecordHonoursContext(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(Config{
		DBPath:    filepath.Join(dir, "metrics.db"),
		BatchSize: 10,
		Enabled:   true,
	}, logger.Nop())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = svc.Record(ctx, testSample("card0", false))
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))

	err = svc.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, ErrInvalidMetrics))
}

type closeFailRepo struct{}

func (closeFailRepo) Record(*Sample) error { return nil }
func (closeFailRepo) Close() error         { return errors.New().New(ErrStorageClose) }

func TestServiceCloseFlushes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metrics.db")
	svc, err := NewService(Config{
		DBPath:    dbPath,
		BatchSize: 10,
		Enabled:   true,
	}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Record(context.Background(), testSample("card0", true)))
	require.NoError(t, svc.Record(context.Background(), testSample("card1", false)))
	require.NoError(t, svc.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&count))
	assert.Equal(t, 2, count)

	err = (&service{repo: closeFailRepo{}}).Close()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrServiceShutdown))
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "metrics.db")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (0, 'old');
		INSERT INTO schema_versions VALUES (99, 'old');`)
	require.NoError(t, err)

	backups := filepath.Join(dir, "backups")
	require.NoError(t, ValidateAndUpdateSchema(db, backups, logger.Nop()))

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	matches, err := filepath.Glob(filepath.Join(backups, "metrics_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	require.NoError(t, db.Close())
}
