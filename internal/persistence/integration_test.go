package persistence_test

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"testing"
	"time"

	"LevLedger/internal/core"
	"LevLedger/internal/ledger"
	"LevLedger/internal/persistence"
	"LevLedger/internal/projection"
	"LevLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.OpenTestDB(t)
	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(context.Background()))
	return db
}

func depositRow(t *testing.T, seq int64, key string, amount string) persistence.CoreOutput {
	t.Helper()
	usdc, ok := ledger.GetAssetID("USDC")
	require.True(t, ok)
	wallet := ledger.WalletKey(testutil.Alice, usdc)
	issued := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)

	hash := sha256.Sum256([]byte(key))
	batch := uuid.New()
	return persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       seq,
			EventType:      "DepositConfirmed",
			IdempotencyKey: key,
			Payload:        []byte(`{}`),
			Outcome:        "committed",
			StateHash:      hash[:],
			PrevHash:       make([]byte, 32),
			Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
			SourceSequence: seq,
		},
		JournalRows: []persistence.JournalRow{{
			JournalID:     uuid.NewString(),
			BatchID:       batch.String(),
			EventRef:      key,
			Sequence:      seq,
			DebitAccount:  wallet.AccountPath(),
			CreditAccount: issued.AccountPath(),
			Asset:         "USDC",
			Amount:        amount,
			JournalType:   ledger.JournalTypeDeposit.String(),
			Timestamp:     1_700_000_000_000_000,
		}},
	}
}

// persist pushes rows through a worker and waits until each is committed.
func persist(t *testing.T, db *sql.DB, rows ...persistence.CoreOutput) {
	t.Helper()
	in := make(chan persistence.CoreOutput, len(rows))
	committed := make(chan persistence.CoreOutput, len(rows))
	w := persistence.NewPersistenceWorker(db, in, 10, 5*time.Millisecond, nil)
	w.OnCommitted(committed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for _, r := range rows {
		in <- r
	}
	for range rows {
		select {
		case <-committed:
		case <-time.After(10 * time.Second):
			t.Fatal("rows were not committed")
		}
	}
}

func TestIntegrationEventLogRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	persist(t, db, depositRow(t, 0, "dep-a", "5000000"), depositRow(t, 1, "dep-b", "115792089237316195423570985008687907853269984665640564039457584007913129639935"))

	mgr := persistence.NewSnapshotManager(db)
	latest, err := mgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)

	rows, err := mgr.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "dep-b", rows[0].IdempotencyKey)
	assert.Equal(t, "committed", rows[0].Outcome)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("DepositConfirmed", "dep-a")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("DepositConfirmed", "dep-z")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIntegrationSnapshotVerification(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	row := depositRow(t, 0, "dep-a", "5000000")
	persist(t, db, row)

	st := &core.SnapshotState{
		Sequence:      0,
		Balances:      map[ledger.AccountKey]*uint256.Int{},
		SequenceState: map[string]int64{"global": 1},
	}
	copy(st.StateHash[:], row.EventRow.StateHash)

	data, err := persistence.EncodeSnapshot(st, time.Now().UTC())
	require.NoError(t, err)
	mgr := persistence.NewSnapshotManager(db)
	_, err = mgr.SaveSnapshot(ctx, data)
	require.NoError(t, err)

	// Unverified snapshots are never restored.
	loaded, err := mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, mgr.MarkVerified(ctx, 0))
	loaded, err = mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(0), loaded.Sequence)

	// A snapshot whose hash does not match the log stays unverified.
	st.Sequence = 5
	data, err = persistence.EncodeSnapshot(st, time.Now().UTC())
	require.NoError(t, err)
	_, err = mgr.SaveSnapshot(ctx, data)
	require.NoError(t, err)
	assert.Error(t, mgr.MarkVerified(ctx, 5))
}

func TestIntegrationRebuildBalances(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	persist(t, db, depositRow(t, 0, "dep-a", "5000000"), depositRow(t, 1, "dep-b", "2000000"))
	require.NoError(t, projection.RebuildProjections(ctx, db))

	usdc, _ := ledger.GetAssetID("USDC")
	var balance string
	err := db.QueryRowContext(ctx, `SELECT balance::text FROM projections.balances WHERE account_path = $1`,
		ledger.WalletKey(testutil.Alice, usdc).AccountPath()).Scan(&balance)
	require.NoError(t, err)
	assert.Equal(t, "7000000", balance)

	err = db.QueryRowContext(ctx, `SELECT balance::text FROM projections.balances WHERE account_path = $1`,
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc).AccountPath()).Scan(&balance)
	require.NoError(t, err)
	assert.Equal(t, "7000000", balance)
}
