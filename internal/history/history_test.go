package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndGetRun(t *testing.T) {
	db := openTestDB(t)

	run := &Run{
		Suite:      "smoke",
		Timestamp:  "20240315_103045",
		Total:      3,
		Pass:       2,
		Fail:       1,
		ExitCode:   1,
		BundlePath: "/tmp/artifacts/smoke/20240315_103045",
		Validated:  true,
	}
	require.NoError(t, db.RecordRun(run))
	assert.Greater(t, run.ID, int64(0))
	assert.False(t, run.CreatedAt.IsZero())

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "smoke", got.Suite)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 1, got.Fail)
	assert.Equal(t, 1, got.ExitCode)
	assert.True(t, got.Validated)
	assert.Equal(t, run.BundlePath, got.BundlePath)
}

func TestRecordRunRequiresSuite(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.RecordRun(&Run{Timestamp: "x"}))
}

func TestGetRunNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetRun(9999)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecentRunsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordRun(&Run{
			Suite:     "smoke",
			Timestamp: base.Add(time.Duration(i) * time.Minute).Format("20060102_150405"),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := db.RecentRuns(3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "20240315_100400", runs[0].Timestamp)
	assert.Equal(t, "20240315_100200", runs[2].Timestamp)

	all, err := db.RecentRuns(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRunsForSuite(t *testing.T) {
	db := openTestDB(t)
	for _, suite := range []string{"smoke", "archive", "smoke"} {
		require.NoError(t, db.RecordRun(&Run{Suite: suite, Timestamp: "t"}))
	}

	smoke, err := db.RunsForSuite("smoke", 10)
	require.NoError(t, err)
	assert.Len(t, smoke, 2)
	for _, run := range smoke {
		assert.Equal(t, "smoke", run.Suite)
	}

	none, err := db.RunsForSuite("ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSameCreatedAtOrdersByIDDesc(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	first := &Run{Suite: "smoke", Timestamp: "a", CreatedAt: at}
	second := &Run{Suite: "smoke", Timestamp: "b", CreatedAt: at}
	require.NoError(t, db.RecordRun(first))
	require.NoError(t, db.RecordRun(second))

	runs, err := db.RecentRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordRun(&Run{Suite: "smoke", Timestamp: "t"}))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	runs, err := db2.RecentRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
