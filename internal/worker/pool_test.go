package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qms-infoclinica/ire/internal/ire"
	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/store"
	"github.com/qms-infoclinica/ire/internal/worker"
)

func intp(i int) *int { return &i }

func TestRunOnceProcessesPendingRecords(t *testing.T) {
	dir := t.TempDir()
	db, err := store.InitDBWithPath(dir + "/test.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		raw := &models.RawPatient{
			RawID:        store.NewRawID(),
			HISNumber:    fmtHIS(i),
			Source:       models.SourceQMS,
			DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(10000 + i)},
		}
		tx, err := db.Begin()
		require.NoError(t, err)
		require.NoError(t, store.InsertRawPatient(ctx, tx, raw))
		require.NoError(t, tx.Commit())
	}

	engine := ire.New(db, time.Second, 5)
	pool := worker.New(engine, db, 3)

	result, err := pool.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 5, result.Processed)
	require.Equal(t, 0, result.DeadLettered)

	pending, err := store.ListPendingRawPatients(ctx, db, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRunOnceDeadLettersInvalidRaw(t *testing.T) {
	dir := t.TempDir()
	db, err := store.InitDBWithPath(dir + "/test.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	raw := &models.RawPatient{
		RawID:     store.NewRawID(),
		HISNumber: "",
		Source:    models.SourceQMS,
	}
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.InsertRawPatient(ctx, tx, raw))
	require.NoError(t, tx.Commit())

	engine := ire.New(db, time.Second, 5)
	pool := worker.New(engine, db, 2)

	result, err := pool.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, result.Processed)
	require.Equal(t, 1, result.DeadLettered)

	entries, err := store.ListDeadLetters(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, raw.RawID, entries[0].RawID)
}

func TestRunOnceNoPendingRecordsIsANoop(t *testing.T) {
	dir := t.TempDir()
	db, err := store.InitDBWithPath(dir + "/test.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	engine := ire.New(db, time.Second, 5)
	pool := worker.New(engine, db, 2)

	result, err := pool.RunOnce(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, worker.BatchResult{}, result)
}

func fmtHIS(i int) string {
	digits := "0123456789"
	return "HIS-W" + string(digits[i])
}
