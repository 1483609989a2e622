package ledger_test

import (
	"errors"
	"testing"

	"LevLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func mustAsset(t *testing.T, symbol string) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		t.Fatalf("asset %s not registered", symbol)
	}
	return id
}

func deposit(t *testing.T, bt *ledger.BalanceTracker, who common.Address, asset ledger.AssetID, amount uint64) {
	t.Helper()
	tx := bt.Begin(uuid.NewString(), 0, 0)
	if err := tx.Issue(ledger.WalletKey(who, asset), ledger.SubTypeExternalDeposits, uint256.NewInt(amount), ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := bt.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	usdc := mustAsset(t, "USDC")
	key := ledger.WalletKey(alice, usdc)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":wallet:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	weth := mustAsset(t, "WETH")
	addr := ledger.SystemAddress("lending-pool")
	key := ledger.NewPrincipalAccountKey(addr, ledger.SubTypeSupplied, weth)

	if key.Scope != ledger.AccountScopeSystem {
		t.Fatalf("scope = %d, want system", key.Scope)
	}
	if path := key.AccountPath(); path != "system:lending-pool:supplied:WETH" {
		t.Errorf("got %q", path)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	usdc := mustAsset(t, "USDC")
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)

	if path := key.AccountPath(); path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestSystemAddress_Stable(t *testing.T) {
	if ledger.SystemAddress("engine:ETH2X") != ledger.SystemAddress("engine:ETH2X") {
		t.Error("system address must be deterministic")
	}
	if ledger.SystemAddress("a") == ledger.SystemAddress("b") {
		t.Error("distinct names must not collide")
	}
}

func TestRegisterAsset(t *testing.T) {
	id, err := ledger.RegisterAsset("TEST2X", 18)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	again, err := ledger.RegisterAsset("TEST2X", 18)
	if err != nil || again != id {
		t.Fatalf("re-register should be idempotent, got %d, %v", again, err)
	}
	if _, err := ledger.RegisterAsset("TEST2X", 6); err == nil {
		t.Error("re-register with different decimals should fail")
	}
	if d, _ := ledger.Decimals(id); d != 18 {
		t.Errorf("decimals = %d", d)
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker / Tx
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetWalletBalance(alice, mustAsset(t, "USDC")).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestTx_StagedUntilCommit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	deposit(t, bt, alice, usdc, 1_000)

	tx := bt.Begin("evt-1", 1, 0)
	if err := tx.Transfer(alice, bob, usdc, uint256.NewInt(400), ledger.JournalTypeTransfer); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := tx.WalletBalance(bob, usdc).Uint64(); got != 400 {
		t.Errorf("staged bob = %d, want 400", got)
	}
	if got := bt.GetWalletBalance(bob, usdc).Uint64(); got != 0 {
		t.Errorf("committed bob = %d before commit, want 0", got)
	}

	batch, err := bt.Commit(tx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(batch.Journals) != 1 || batch.EventRef != "evt-1" {
		t.Errorf("unexpected batch %+v", batch)
	}
	if got := bt.GetWalletBalance(alice, usdc).Uint64(); got != 600 {
		t.Errorf("alice = %d, want 600", got)
	}
}

func TestTx_DiscardLeavesNoTrace(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	deposit(t, bt, alice, usdc, 1_000)

	tx := bt.Begin("evt-2", 2, 0)
	_ = tx.Transfer(alice, bob, usdc, uint256.NewInt(1_000), ledger.JournalTypeTransfer)
	tx.Discard()

	if got := bt.GetWalletBalance(alice, usdc).Uint64(); got != 1_000 {
		t.Errorf("alice = %d, want 1000", got)
	}
	if _, err := bt.Commit(tx); !errors.Is(err, ledger.ErrTxClosed) {
		t.Errorf("commit after discard: got %v", err)
	}
}

func TestTx_InsufficientBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	deposit(t, bt, alice, usdc, 10)

	tx := bt.Begin("evt-3", 3, 0)
	err := tx.Transfer(alice, bob, usdc, uint256.NewInt(11), ledger.JournalTypeTransfer)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := tx.WalletBalance(alice, usdc).Uint64(); got != 10 {
		t.Errorf("failed post must not stage, alice = %d", got)
	}
}

func TestTx_ZeroAmountIsNoop(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")

	tx := bt.Begin("evt-4", 4, 0)
	if err := tx.Transfer(alice, bob, usdc, uint256.NewInt(0), ledger.JournalTypeRefund); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	batch, err := bt.Commit(tx)
	if err != nil || batch != nil {
		t.Errorf("empty tx should commit to nil batch, got %v, %v", batch, err)
	}
}

func TestTx_RetireBeyondIssuanceFails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")

	tx := bt.Begin("evt-5", 5, 0)
	_ = tx.Issue(ledger.WalletKey(alice, usdc), ledger.SubTypeExternalIssuance, uint256.NewInt(5), ledger.JournalTypeShareMint)
	err := tx.Retire(ledger.WalletKey(alice, usdc), ledger.SubTypeExternalDeposits, uint256.NewInt(5), ledger.JournalTypeWithdrawal)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("retiring to an account that never issued should fail, got %v", err)
	}
}

func TestBalanceTracker_Outstanding(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	deposit(t, bt, alice, usdc, 700)
	deposit(t, bt, bob, usdc, 300)

	if got := bt.Outstanding(ledger.SubTypeExternalDeposits, usdc).Uint64(); got != 1_000 {
		t.Errorf("outstanding = %d, want 1000", got)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID:  batchID,
		EventRef: "replay",
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletKey(alice, usdc),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
			AssetID:       usdc,
			Amount:        uint256.NewInt(42),
			JournalType:   ledger.JournalTypeDeposit,
		}},
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := bt.GetWalletBalance(alice, usdc).Uint64(); got != 42 {
		t.Errorf("alice = %d, want 42", got)
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	deposit(t, bt, alice, usdc, 99)

	snap := bt.Snapshot()
	restored := ledger.NewBalanceTracker()
	restored.Restore(snap)

	if got := restored.GetWalletBalance(alice, usdc).Uint64(); got != 99 {
		t.Errorf("restored alice = %d, want 99", got)
	}
	snap[ledger.WalletKey(alice, usdc)].SetUint64(1)
	if got := bt.GetWalletBalance(alice, usdc).Uint64(); got != 99 {
		t.Error("snapshot must be a copy")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	usdc := mustAsset(t, "USDC")
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletKey(alice, usdc),
			CreditAccount: ledger.WalletKey(bob, usdc),
			AssetID:       usdc,
			Amount:        uint256.NewInt(0),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	usdc := mustAsset(t, "USDC")
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletKey(alice, usdc),
			CreditAccount: ledger.WalletKey(alice, usdc),
			AssetID:       usdc,
			Amount:        uint256.NewInt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self transfer should fail")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	usdc := mustAsset(t, "USDC")
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.WalletKey(alice, usdc),
			CreditAccount: ledger.WalletKey(bob, usdc),
			AssetID:       usdc,
			Amount:        uint256.NewInt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch id should fail")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Conservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	usdc := mustAsset(t, "USDC")
	deposit(t, bt, alice, usdc, 500)

	tx := bt.Begin("evt", 1, 0)
	_ = tx.Transfer(alice, bob, usdc, uint256.NewInt(200), ledger.JournalTypeTransfer)
	_ = tx.Retire(ledger.WalletKey(bob, usdc), ledger.SubTypeExternalDeposits, uint256.NewInt(50), ledger.JournalTypeWithdrawal)
	if _, err := bt.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
	if err := v.ValidateWalletEmpty(bob, usdc); err == nil {
		t.Error("bob holds 150, wallet-empty check should fail")
	}
}
