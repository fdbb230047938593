package ire_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qms-infoclinica/ire/internal/ire"
	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/store"
)

func newEngine(t *testing.T) (*ire.Engine, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.InitDBWithPath(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return ire.New(db, time.Second, 5), db
}

func stageRaw(t *testing.T, db *sql.DB, r *models.RawPatient) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.InsertRawPatient(context.Background(), tx, r))
	require.NoError(t, tx.Commit())
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

// Scenario 1: fresh patient, qMS first, Infoclinica later with matching
// document — CREATE then MATCHED_DOCUMENT onto the same canonical.
func TestReconcileFreshPatientCrossSourceDocumentMatch(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	q1 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q1", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(1000)},
		Demographics: models.Demographics{LastName: strp("A")},
	}
	stageRaw(t, db, q1)
	c1, err := e.Reconcile(ctx, q1)
	require.NoError(t, err)

	i1 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "I1", Source: models.SourceInfoclinica,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(1000)},
		Demographics: models.Demographics{LastName: strp("A")},
	}
	stageRaw(t, db, i1)
	c2, err := e.Reconcile(ctx, i1)
	require.NoError(t, err)
	require.Equal(t, c1, c2)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	c, err := store.GetCanonicalByID(ctx, tx, c1)
	require.NoError(t, err)
	require.Equal(t, "Q1", c.Slot(models.SourceQMS).HISNumber)
	require.Equal(t, "I1", c.Slot(models.SourceInfoclinica).HISNumber)
}

// Scenario 2: two independent canonicals merge once a later update reveals
// they share a document.
func TestReconcileLateDocumentTriggersMerge(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	q2 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q2", Source: models.SourceQMS,
		Demographics: models.Demographics{LastName: strp("B")},
	}
	stageRaw(t, db, q2)
	c2, err := e.Reconcile(ctx, q2)
	require.NoError(t, err)

	i2 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "I2", Source: models.SourceInfoclinica,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(2000)},
		Demographics: models.Demographics{LastName: strp("B")},
	}
	stageRaw(t, db, i2)
	c3, err := e.Reconcile(ctx, i2)
	require.NoError(t, err)
	require.NotEqual(t, c2, c3)

	q2Updated := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q2", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(2000)},
		Demographics: models.Demographics{LastName: strp("B")},
	}
	stageRaw(t, db, q2Updated)
	winner, err := e.Reconcile(ctx, q2Updated)
	require.NoError(t, err)
	require.Contains(t, []string{c2, c3}, winner)

	loser := c2
	if winner == c2 {
		loser = c3
	}

	tx, err := db.Begin()
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = store.GetCanonicalByID(ctx, tx, loser)
	require.ErrorIs(t, err, store.ErrCanonicalNotFound)

	finalRaw, err := store.GetRawPatientByID(ctx, tx, q2Updated.RawID)
	require.NoError(t, err)
	require.Equal(t, winner, finalRaw.CanonicalID)
}

// Scenario 3: a mobile pre-registration reserves a canonical_id before
// either HIS produces a record; the first matching raw materializes it.
func TestReconcileMobilePreregAdoption(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	prereg := &models.MobilePrereg{
		PreregID:     store.NewPreregID(),
		CanonicalID:  store.NewCanonicalID(),
		HISNumberQMS: "Q3",
	}
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.InsertMobilePrereg(ctx, tx, prereg))
	require.NoError(t, tx.Commit())

	q3 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q3", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(3000)},
	}
	stageRaw(t, db, q3)
	canonicalID, err := e.Reconcile(ctx, q3)
	require.NoError(t, err)
	require.Equal(t, prereg.CanonicalID, canonicalID)

	tx, err = db.Begin()
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	c, err := store.GetCanonicalByID(ctx, tx, canonicalID)
	require.NoError(t, err)
	require.True(t, c.RegisteredViaMobile)
	require.Equal(t, "Q3", c.Slot(models.SourceQMS).HISNumber)
	require.Equal(t, 3000, *c.DocNumber)
}

// Scenario 4: a locked canonical is invisible to matching, so a new raw
// sharing its document creates a fresh canonical instead of matching it.
func TestReconcileLockedCanonicalIsInvisibleToMatching(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	q1 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q1L", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(1000)},
	}
	stageRaw(t, db, q1)
	c1, err := e.Reconcile(ctx, q1)
	require.NoError(t, err)
	require.NoError(t, e.Lock(ctx, c1, "under review"))

	qnew := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "QNEW", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(1000)},
	}
	stageRaw(t, db, qnew)
	c4, err := e.Reconcile(ctx, qnew)
	require.NoError(t, err)
	require.NotEqual(t, c1, c4)

	entries, err := store.MatchingStats(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, entries[models.MatchTypeNewWithDoc])
}

// Scenario 5: two concurrent reconciliations racing on the same document
// converge to exactly one canonical with both slots filled.
func TestReconcileConcurrentInsertsSameDocumentConverge(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	q5 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q5", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(5000)},
	}
	i5 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "I5", Source: models.SourceInfoclinica,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(5000)},
	}
	stageRaw(t, db, q5)
	stageRaw(t, db, i5)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = e.Reconcile(ctx, q5)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = e.Reconcile(ctx, i5)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0], results[1])

	tx, err := db.Begin()
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	c, err := store.GetCanonicalByID(ctx, tx, results[0])
	require.NoError(t, err)
	require.Equal(t, "Q5", c.Slot(models.SourceQMS).HISNumber)
	require.Equal(t, "I5", c.Slot(models.SourceInfoclinica).HISNumber)
}

// Scenario 6 / idempotence law: replaying the same raws leaves CS state
// unchanged, adding only REGULAR_UPDATE audit entries.
func TestReconcileIdempotentReplay(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	q1 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q1I", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(9000)},
	}
	i1 := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "I1I", Source: models.SourceInfoclinica,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(9000)},
	}
	stageRaw(t, db, q1)
	stageRaw(t, db, i1)
	c1, err := e.Reconcile(ctx, q1)
	require.NoError(t, err)
	c2, err := e.Reconcile(ctx, i1)
	require.NoError(t, err)
	require.Equal(t, c1, c2)

	q1Replay := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "Q1I", Source: models.SourceQMS,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(9000)},
	}
	i1Replay := &models.RawPatient{
		RawID: store.NewRawID(), HISNumber: "I1I", Source: models.SourceInfoclinica,
		DocumentPair: models.DocumentPair{DocType: intp(1), DocNumber: intp(9000)},
	}
	stageRaw(t, db, i1Replay)
	stageRaw(t, db, q1Replay)

	c3, err := e.Reconcile(ctx, i1Replay)
	require.NoError(t, err)
	c4, err := e.Reconcile(ctx, q1Replay)
	require.NoError(t, err)
	require.Equal(t, c1, c3)
	require.Equal(t, c1, c4)

	stats, err := store.MatchingStats(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, stats[models.MatchTypeRegularUpdate])
}

func TestReconcileRejectsInvalidRaw(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	bad := &models.RawPatient{RawID: store.NewRawID(), HISNumber: "", Source: models.SourceQMS}
	stageRaw(t, db, bad)

	_, err := e.Reconcile(ctx, bad)
	require.Error(t, err)
	var invalid *models.InvalidRawError
	require.ErrorAs(t, err, &invalid)
}

// A genuine storage problem (here: the database handle itself is gone) must
// surface as StorageFailureError, not fall through to the "leave it pending"
// catch-all a worker would otherwise apply to it forever.
func TestReconcileClassifiesGenuineStorageFailure(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	raw := &models.RawPatient{RawID: store.NewRawID(), HISNumber: "SF1", Source: models.SourceQMS}
	stageRaw(t, db, raw)
	require.NoError(t, db.Close())

	_, err := e.Reconcile(ctx, raw)
	require.Error(t, err)
	var storageFailure *models.StorageFailureError
	require.ErrorAs(t, err, &storageFailure)
}

// A second pending snapshot for the same identity is rejected while the
// first is still unprocessed; once the first is reconciled, a later
// snapshot for the same identity is free to land and drives the update path.
func TestPendingIdentityUniquenessAllowsReplayAfterProcessing(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()

	first := &models.RawPatient{RawID: store.NewRawID(), HISNumber: "PU1", Source: models.SourceQMS}
	stageRaw(t, db, first)

	second := &models.RawPatient{RawID: store.NewRawID(), HISNumber: "PU1", Source: models.SourceQMS}
	tx, err := db.Begin()
	require.NoError(t, err)
	err = store.InsertRawPatient(ctx, tx, second)
	require.Error(t, err)
	var conflict *models.RetryableConflictError
	require.ErrorAs(t, err, &conflict)
	require.NoError(t, tx.Rollback())

	_, err = e.Reconcile(ctx, first)
	require.NoError(t, err)

	stageRaw(t, db, second)
}
