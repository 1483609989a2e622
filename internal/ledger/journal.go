package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypePayment     // funds pulled from a caller into an engine
	JournalTypeRefund      // unused input returned
	JournalTypePayout      // operation output to a recipient
	JournalTypeSupply      // collateral into the lending pool
	JournalTypeBorrow      // debt out of the lending pool
	JournalTypeRepay       // debt back to the lending pool
	JournalTypeRedeem      // collateral out of the lending pool
	JournalTypeClaimIssue  // lending claim created
	JournalTypeClaimRetire // lending claim removed
	JournalTypeFlashLend   // venue lends inside a flash swap
	JournalTypeFlashRepay  // engine repays a flash swap
	JournalTypeSwapIn      // trader pays the venue
	JournalTypeSwapOut     // venue pays the trader
	JournalTypeShareMint   // shares issued
	JournalTypeShareBurn   // shares retired
	JournalTypeFee         // fee shares to the fee recipient
	JournalTypeTransfer    // plain wallet transfer
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypePayment:
		return "payment"
	case JournalTypeRefund:
		return "refund"
	case JournalTypePayout:
		return "payout"
	case JournalTypeSupply:
		return "supply"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeClaimIssue:
		return "claim_issue"
	case JournalTypeClaimRetire:
		return "claim_retire"
	case JournalTypeFlashLend:
		return "flash_lend"
	case JournalTypeFlashRepay:
		return "flash_repay"
	case JournalTypeSwapIn:
		return "swap_in"
	case JournalTypeSwapOut:
		return "swap_out"
	case JournalTypeShareMint:
		return "share_mint"
	case JournalTypeShareBurn:
		return "share_burn"
	case JournalTypeFee:
		return "fee"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups entries of one command
	EventRef      string       // Idempotency key of source command
	Sequence      int64        // Global command sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	AssetID       AssetID      // Asset being transferred
	Amount        *uint256.Int // Always positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Command timestamp (epoch microseconds)
}

// Batch represents the journals of one committed command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount from the credit account to the debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
