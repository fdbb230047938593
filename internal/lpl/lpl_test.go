package lpl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qms-infoclinica/ire/internal/lockmgr"
	"github.com/qms-infoclinica/ire/internal/lpl"
	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/mutator"
	"github.com/qms-infoclinica/ire/internal/store"
)

func TestLockThenUnlock(t *testing.T) {
	dir := t.TempDir()
	db, err := store.InitDBWithPath(dir + "/test.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	raw := &models.RawPatient{RawID: store.NewRawID(), HISNumber: "HIS-900", Source: models.SourceQMS}
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.InsertRawPatient(ctx, tx, raw))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	canonicalID, err := mutator.Apply(ctx, tx, store.NewReferrerRegistry(),
		&models.Decision{Kind: models.DecisionCreate, MatchType: models.MatchTypeNewNoDoc}, raw, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	locks := lockmgr.New(time.Second)
	require.NoError(t, lpl.Lock(ctx, db, locks, canonicalID, "reviewed by operator"))

	tx, err = db.Begin()
	require.NoError(t, err)
	c, err := store.GetCanonicalByID(ctx, tx, canonicalID)
	require.NoError(t, err)
	_ = tx.Rollback()
	require.True(t, c.MatchingLocked)
	require.Equal(t, "reviewed by operator", c.LockReason)
	require.NotNil(t, c.LockedAt)

	require.NoError(t, lpl.Unlock(ctx, db, locks, canonicalID))

	tx, err = db.Begin()
	require.NoError(t, err)
	c, err = store.GetCanonicalByID(ctx, tx, canonicalID)
	require.NoError(t, err)
	_ = tx.Rollback()
	require.False(t, c.MatchingLocked)
	require.Empty(t, c.LockReason)
	require.Nil(t, c.LockedAt)
}

func TestIdentityKeysIncludesDocumentWhenPresent(t *testing.T) {
	docType, docNumber := 1, 42
	c := &models.Canonical{
		CanonicalID:  "can_x",
		DocumentPair: models.DocumentPair{DocType: &docType, DocNumber: &docNumber},
		Slots: map[models.Source]models.SourceSlot{
			models.SourceQMS: {HISNumber: "HIS-1"},
		},
	}
	keys := lpl.IdentityKeys(c)
	require.Contains(t, keys, lockmgr.CanonicalKey("can_x"))
	require.Contains(t, keys, lockmgr.SourceKey(models.SourceQMS, "HIS-1"))
	require.Contains(t, keys, lockmgr.DocumentKey(1, 42))
}
