package state

import (
	"errors"
	"fmt"
	"testing"

	fpmath "LevLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestDefaultParamsAreValid(t *testing.T) {
	if err := ValidateParams(DefaultParams()); err != nil {
		t.Fatalf("default params rejected: %v", err)
	}
}

func TestValidateParamsBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{"missing step", func(p *Params) { p.Step = nil }, ErrInvalidParams},
		{"min below floor", func(p *Params) { p.MinLeverageRatio = fpmath.MustAmount("1100000000000000000") }, ErrInvalidLeverageBounds},
		{"max above ceiling", func(p *Params) { p.MaxLeverageRatio = fpmath.MustAmount("3100000000000000000") }, ErrInvalidLeverageBounds},
		{"min not below max", func(p *Params) { p.MinLeverageRatio = p.MaxLeverageRatio.Clone() }, ErrInvalidLeverageBounds},
		{"step too small", func(p *Params) { p.Step = fpmath.MustAmount("100000000000000000") }, ErrInvalidStep},
		{"step over half spread", func(p *Params) {
			p.MinLeverageRatio = fpmath.MustAmount("1800000000000000000")
			p.MaxLeverageRatio = fpmath.MustAmount("2200000000000000000")
			p.Step = fpmath.MustAmount("250000000000000000")
		}, ErrInvalidStep},
		{"drift too small", func(p *Params) { p.MaxDrift = fpmath.MustAmount("10000000000000000") }, ErrInvalidDrift},
		{"zero incentive", func(p *Params) { p.MaxIncentive = fpmath.Zero() }, ErrInvalidIncentive},
		{"fees too high", func(p *Params) { p.Fees = fpmath.MustAmount("200000000000000000") }, ErrInvalidFees},
		{"max mint over supply", func(p *Params) {
			p.MaxMint = fpmath.MustAmount("100")
			p.MaxSupply = fpmath.MustAmount("10")
		}, ErrInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			err := ValidateParams(p)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if Classify(err) != ClassConfiguration {
				t.Fatalf("class %q", Classify(err))
			}
		})
	}
}

func TestParamsManagerOwnerGate(t *testing.T) {
	pm, err := NewParamsManager(owner, DefaultParams())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	next := DefaultParams()
	next.Fees = fpmath.Zero()
	if err := pm.UpdateParams(stranger, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger update: %v", err)
	}
	if pm.Params().Fees.IsZero() {
		t.Fatal("rejected update changed params")
	}

	bad := DefaultParams()
	bad.Step = fpmath.Zero()
	if err := pm.UpdateParams(owner, bad); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("invalid update: %v", err)
	}

	if err := pm.UpdateParams(owner, next); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if !pm.Params().Fees.IsZero() {
		t.Fatal("update not applied")
	}

	// Returned params are copies.
	p := pm.Params()
	p.Fees.SetUint64(5)
	if !pm.Params().Fees.IsZero() {
		t.Fatal("params aliased")
	}
}

func TestClassify(t *testing.T) {
	errExternal := errors.New("venue down")
	RegisterErrorClass(ClassExternal, errExternal)

	cases := map[error]ErrorClass{
		nil:                                 "",
		ErrBalanced:                         ClassState,
		fmt.Errorf("wrap: %w", ErrSlippage): ClassEconomic,
		ErrUnknownToken:                     ClassInput,
		ErrUnauthorized:                     ClassAccess,
		fmt.Errorf("call: %w", errExternal): ClassExternal,
		errors.New("surprise"):              ClassInternal,
	}
	for err, want := range cases {
		if got := Classify(err); got != want {
			t.Errorf("%v: got %q, want %q", err, got, want)
		}
	}
}

func TestPositionCanonicalBytesTracksFields(t *testing.T) {
	a := NewPosition("ETH2X")
	b := a.Clone()
	if string(a.CanonicalBytes()) != string(b.CanonicalBytes()) {
		t.Fatal("clone hashes differently")
	}
	b.TotalDebt.SetUint64(1)
	if string(a.CanonicalBytes()) == string(b.CanonicalBytes()) {
		t.Fatal("debt change not reflected")
	}
	if !a.TotalDebt.IsZero() {
		t.Fatal("clone aliased debt")
	}

	a.IsInitialized = true
	if !errors.Is(a.CheckInvariant(), ErrInsolvent) {
		t.Fatal("initialized position with no supply passed")
	}
}
