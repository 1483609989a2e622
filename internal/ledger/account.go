package ledger

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Principal sub-types
	SubTypeWallet   AccountSubType = iota // spendable balance
	SubTypeSupplied                       // collateral claim on the lending pool
	SubTypeBorrowed                       // debt owed to the lending pool

	// External sub-types
	SubTypeExternalDeposits // custody boundary for deposits and withdrawals
	SubTypeExternalIssuance // share mint/burn
	SubTypeExternalClaims   // lending pool claim issuance
)

// AssetID maps asset symbols to numeric IDs for performance
type AssetID uint16

// Asset describes a registered asset.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

var (
	registryMu  sync.RWMutex
	assetToID           = map[string]AssetID{}
	assetByID           = map[AssetID]Asset{}
	nextAssetID AssetID = 1

	systemNames = map[common.Address]string{}
)

func init() {
	for _, a := range []struct {
		symbol   string
		decimals uint8
	}{
		{"USDC", 6},
		{"USDT", 6},
		{"WETH", 18},
		{"WBTC", 8},
		{"ETH", 18},
	} {
		if _, err := RegisterAsset(a.symbol, a.decimals); err != nil {
			panic(err)
		}
	}
}

// RegisterAsset adds an asset or returns the existing ID. Re-registering a
// symbol with different decimals is an error.
func RegisterAsset(symbol string, decimals uint8) (AssetID, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if id, ok := assetToID[symbol]; ok {
		if assetByID[id].Decimals != decimals {
			return 0, fmt.Errorf("asset %s already registered with %d decimals", symbol, assetByID[id].Decimals)
		}
		return id, nil
	}
	if decimals > 36 {
		return 0, fmt.Errorf("asset %s: decimals %d out of range", symbol, decimals)
	}

	id := nextAssetID
	nextAssetID++
	assetToID[symbol] = id
	assetByID[id] = Asset{ID: id, Symbol: symbol, Decimals: decimals}
	return id, nil
}

func GetAssetID(symbol string) (AssetID, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	id, ok := assetToID[symbol]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := assetByID[id]
	return a.Symbol, ok
}

func GetAsset(id AssetID) (Asset, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := assetByID[id]
	return a, ok
}

// Decimals returns the precision of a registered asset.
func Decimals(id AssetID) (uint8, error) {
	a, ok := GetAsset(id)
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrUnknownAsset, id)
	}
	return a.Decimals, nil
}

// SystemAddress derives a stable address for a named system principal such as
// a token engine or the lending pool, and records the name for account paths.
func SystemAddress(name string) common.Address {
	addr := common.BytesToAddress(crypto.Keccak256([]byte("levledger:" + name))[12:])
	registryMu.Lock()
	systemNames[addr] = name
	registryMu.Unlock()
	return addr
}

func systemName(addr common.Address) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	name, ok := systemNames[addr]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address
	SubType  AccountSubType
	AssetID  AssetID
}

// NewPrincipalAccountKey creates a key for an address. Addresses created by
// SystemAddress land in the system scope.
func NewPrincipalAccountKey(addr common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	scope := AccountScopeUser
	if _, ok := systemName(addr); ok {
		scope = AccountScopeSystem
	}
	return AccountKey{
		Scope:    scope,
		EntityID: addr,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// WalletKey is the spendable balance of addr.
func WalletKey(addr common.Address, assetID AssetID) AccountKey {
	return NewPrincipalAccountKey(addr, SubTypeWallet, assetID)
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.EntityID.Hex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		name, _ := systemName(k.EntityID)
		return fmt.Sprintf("system:%s:%s:%s", name, k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSupplied:
		return "supplied"
	case SubTypeBorrowed:
		return "borrowed"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalIssuance:
		return "issuance"
	case SubTypeExternalClaims:
		return "claims"
	default:
		return "unknown"
	}
}

// CanonicalBytes returns deterministic bytes for state hashing.
func (k AccountKey) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1+common.AddressLength+1+2)
	buf = append(buf, byte(k.Scope))
	buf = append(buf, k.EntityID.Bytes()...)
	buf = append(buf, byte(k.SubType))
	buf = append(buf, byte(k.AssetID>>8), byte(k.AssetID))
	return buf
}

// Less orders keys for deterministic iteration.
func (k AccountKey) Less(o AccountKey) bool {
	if k.Scope != o.Scope {
		return k.Scope < o.Scope
	}
	if c := bytes.Compare(k.EntityID[:], o.EntityID[:]); c != 0 {
		return c < 0
	}
	if k.SubType != o.SubType {
		return k.SubType < o.SubType
	}
	return k.AssetID < o.AssetID
}
