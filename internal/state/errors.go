package state

import (
	"errors"

	fpmath "LevLedger/internal/math"
)

// Configuration errors.
var (
	ErrInvalidParams         = errors.New("invalid params")
	ErrInvalidLeverageBounds = errors.New("invalid leverage bounds")
	ErrInvalidStep           = errors.New("invalid step")
	ErrInvalidDrift          = errors.New("invalid max drift")
	ErrInvalidIncentive      = errors.New("invalid max incentive")
	ErrInvalidFees           = errors.New("invalid fees")
)

// State errors.
var (
	ErrNotInitialized     = errors.New("token not initialized")
	ErrAlreadyInitialized = errors.New("token already initialized")
	ErrBalanced           = errors.New("leverage ratio within band")
)

// Input errors.
var (
	ErrZeroShares             = errors.New("shares must be non-zero")
	ErrAmountInTooLow         = errors.New("amount in too low")
	ErrAmountInTooHigh        = errors.New("amount in too high")
	ErrAmountOutTooLow        = errors.New("amount out too low")
	ErrAmountOutTooHigh       = errors.New("amount out too high")
	ErrMaxMintExceeded        = errors.New("mint exceeds max mint")
	ErrMaxSupplyExceeded      = errors.New("mint exceeds max supply")
	ErrInvalidAsset           = errors.New("asset not accepted")
	ErrInvalidTargetLeverage  = errors.New("target leverage outside band")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrUnknownToken           = errors.New("unknown token")
	ErrUnsupportedRebalanceOp = errors.New("unsupported rebalance operation")
)

// External-failure errors that originate inside the engine.
var (
	ErrUnauthorizedCallback = errors.New("unauthorized flash callback")
)

// Economic errors.
var (
	ErrSlippage          = errors.New("slippage: received less than required")
	ErrInsolvent         = fpmath.ErrInsolvent
	ErrLeverageOvershoot = errors.New("rebalance overshoots leverage band")
	ErrResidualBalance   = errors.New("engine account holds residual balance")
)

// Access errors.
var (
	ErrUnauthorized = errors.New("caller is not the owner")
)

// ErrorClass groups errors so callers can tell "try a smaller amount" from
// "position is balanced" from "misconfigured".
type ErrorClass string

const (
	ClassConfiguration ErrorClass = "configuration"
	ClassState         ErrorClass = "state"
	ClassInput         ErrorClass = "input"
	ClassExternal      ErrorClass = "external"
	ClassEconomic      ErrorClass = "economic"
	ClassAccess        ErrorClass = "access"
	ClassInternal      ErrorClass = "internal"
)

var classTable = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassConfiguration, []error{ErrInvalidParams, ErrInvalidLeverageBounds, ErrInvalidStep, ErrInvalidDrift, ErrInvalidIncentive, ErrInvalidFees}},
	{ClassState, []error{ErrNotInitialized, ErrAlreadyInitialized, ErrBalanced}},
	{ClassInput, []error{ErrZeroShares, ErrAmountInTooLow, ErrAmountInTooHigh, ErrAmountOutTooLow, ErrAmountOutTooHigh,
		ErrMaxMintExceeded, ErrMaxSupplyExceeded, ErrInvalidAsset, ErrInvalidTargetLeverage, ErrInsufficientShares,
		ErrInsufficientBalance, ErrUnknownToken, ErrUnsupportedRebalanceOp}},
	{ClassEconomic, []error{ErrSlippage, ErrInsolvent, ErrLeverageOvershoot}},
	{ClassAccess, []error{ErrUnauthorized}},
	{ClassExternal, []error{ErrUnauthorizedCallback}},
}

// registered holds classes for errors owned by adapter packages, which this
// package cannot import.
var registered []classEntry

type classEntry struct {
	class ErrorClass
	err   error
}

// RegisterErrorClass assigns class to errs (and anything wrapping them).
// Called from package init functions.
func RegisterErrorClass(class ErrorClass, errs ...error) {
	for _, err := range errs {
		registered = append(registered, classEntry{class: class, err: err})
	}
}

// Classify maps any error to its class. Unknown errors are internal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	for _, row := range classTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.class
			}
		}
	}
	for _, entry := range registered {
		if errors.Is(err, entry.err) {
			return entry.class
		}
	}
	return ClassInternal
}
