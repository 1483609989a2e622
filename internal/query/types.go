package query

// Amounts are raw integer units rendered as base-10 strings. Ratios use
// the 1e18 scale.

// TokenResponse is a token's committed position and derived accounting.
type TokenResponse struct {
	TokenID                 string         `json:"token_id"`
	Symbol                  string         `json:"symbol"`
	Owner                   string         `json:"owner"`
	FeeRecipient            string         `json:"fee_recipient"`
	Address                 string         `json:"address"`
	CollateralAsset         string         `json:"collateral_asset"`
	DebtAsset               string         `json:"debt_asset"`
	ShareAsset              string         `json:"share_asset"`
	IsInitialized           bool           `json:"is_initialized"`
	TotalCollateral         string         `json:"total_collateral"`
	TotalDebt               string         `json:"total_debt"`
	TotalSupply             string         `json:"total_supply"`
	CollateralPerShare      string         `json:"collateral_per_share"`
	DebtPerShare            string         `json:"debt_per_share"`
	CollateralValuePerShare string         `json:"collateral_value_per_share"`
	NAVPerShare             string         `json:"nav_per_share"`
	LeverageRatio           string         `json:"leverage_ratio"`
	TotalValue              string         `json:"total_value"`
	AccountingError         string         `json:"accounting_error,omitempty"`
	Params                  ParamsResponse `json:"params"`
	Version                 int64          `json:"version"`
	NextSequence            int64          `json:"next_sequence"`
	AsOfSequence            int64          `json:"as_of_sequence"`
}

type ParamsResponse struct {
	MinLeverageRatio string `json:"min_leverage_ratio"`
	MaxLeverageRatio string `json:"max_leverage_ratio"`
	Step             string `json:"step"`
	MaxDrift         string `json:"max_drift"`
	MaxIncentive     string `json:"max_incentive"`
	Fees             string `json:"fees"`
	MaxMint          string `json:"max_mint"`
	MaxSupply        string `json:"max_supply"`
	EffectiveSeq     int64  `json:"effective_seq"`
}

// ProbeResponse says whether a maximum-size rebalance would succeed against
// the latest committed state, and what it would trade.
type ProbeResponse struct {
	TokenID           string `json:"token_id"`
	OK                bool   `json:"ok"`
	Direction         string `json:"direction"`
	LeverageRatio     string `json:"leverage_ratio"`
	Drift             string `json:"drift"`
	IncentiveRate     string `json:"incentive_rate"`
	Op                string `json:"op,omitempty"`
	AssetIn           string `json:"asset_in,omitempty"`
	AssetOut          string `json:"asset_out,omitempty"`
	MaxAmountIn       string `json:"max_amount_in"`
	ExpectedAmountOut string `json:"expected_amount_out"`
	ExpectedIncentive string `json:"expected_incentive"`
	ExpectedLeverage  string `json:"expected_leverage"`
	Error             string `json:"error,omitempty"`
	ErrorClass        string `json:"error_class,omitempty"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// QuoteResponse prices one rebalance primitive at a given amount.
type QuoteResponse struct {
	TokenID      string `json:"token_id"`
	Op           string `json:"op"`
	AssetIn      string `json:"asset_in"`
	AssetOut     string `json:"asset_out"`
	AmountIn     string `json:"amount_in"`
	AmountOut    string `json:"amount_out"`
	Incentive    string `json:"incentive"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type PriceResponse struct {
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Timestamp     int64  `json:"timestamp"`
}

// BalanceResponse is one projected account balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	Display      string `json:"display"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// OperationResponse is one initialize, mint, burn or set-params operation.
type OperationResponse struct {
	Sequence   int64  `json:"sequence"`
	TokenID    string `json:"token_id"`
	Kind       string `json:"kind"`
	Account    string `json:"account,omitempty"`
	Shares     string `json:"shares,omitempty"`
	Fee        string `json:"fee,omitempty"`
	Collateral string `json:"collateral,omitempty"`
	Debt       string `json:"debt,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Refund     string `json:"refund,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// RebalanceResponse is one executed push or pull.
type RebalanceResponse struct {
	Sequence       int64  `json:"sequence"`
	TokenID        string `json:"token_id"`
	Op             string `json:"op"`
	Caller         string `json:"caller"`
	AssetIn        string `json:"asset_in"`
	AssetOut       string `json:"asset_out"`
	AmountIn       string `json:"amount_in"`
	AmountOut      string `json:"amount_out"`
	Incentive      string `json:"incentive"`
	IncentiveRate  string `json:"incentive_rate"`
	LeverageBefore string `json:"leverage_before"`
	LeverageAfter  string `json:"leverage_after"`
	Timestamp      int64  `json:"timestamp"`
}

// JournalHistoryEntry is a journal touching an account.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose internal balances differ from its
// external outstanding in the projection.
type UnbalancedAsset struct {
	Asset       string `json:"asset"`
	Internal    string `json:"internal"`
	Outstanding string `json:"outstanding"`
}
