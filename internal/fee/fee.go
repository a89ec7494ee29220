// Package fee computes the protocol fee and creator profit share charged
// on a position close, and materializes the resulting BillingEvent rows.
package fee

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/maxxit-ai/coordinator/internal/repo"
)

// Model enumerates the four fee-policy variants spec.md's environment
// surface can select per venue.
type Model string

const (
	ModelFlat        Model = "FLAT"
	ModelPercentage  Model = "PERCENTAGE"
	ModelTiered      Model = "TIERED"
	ModelProfitShare Model = "PROFIT_SHARE"
)

// TierStep is one bracket of a TIERED profit-share schedule: realized
// P&L above MinProfit is charged at Rate.
type TierStep struct {
	MinProfit float64
	Rate      float64
}

// Policy is the fee configuration for one venue.
type Policy struct {
	Model        Model
	FlatFee      float64
	FeePercent   float64 // of notional, 0-1
	ProfitShare  float64 // 0-1, used by PROFIT_SHARE and as the TIERED fallback rate
	Tiers        []TierStep
	ReceiverAddr string
}

const DefaultCreatorProfitShare = 0.20

// Charge is the computed fee for a single close.
type Charge struct {
	Amount float64
	Kind   repo.BillingEventKind
}

// Compute returns the fee owed for closing a position with the given
// notional and realized P&L, under policy p. Only realized gains are
// charged a profit share; losses never generate a PROFIT_SHARE event.
func Compute(p Policy, notional, realizedPnL float64) Charge {
	switch p.Model {
	case ModelFlat:
		return Charge{Amount: p.FlatFee, Kind: repo.BillingFee}
	case ModelPercentage:
		return Charge{Amount: notional * p.FeePercent, Kind: repo.BillingFee}
	case ModelTiered:
		if realizedPnL <= 0 {
			return Charge{}
		}
		rate := p.ProfitShare
		for _, step := range p.Tiers {
			if realizedPnL >= step.MinProfit {
				rate = step.Rate
			}
		}
		return Charge{Amount: realizedPnL * rate, Kind: repo.BillingProfitShare}
	case ModelProfitShare:
		if realizedPnL <= 0 {
			return Charge{}
		}
		share := p.ProfitShare
		if share == 0 {
			share = DefaultCreatorProfitShare
		}
		return Charge{Amount: realizedPnL * share, Kind: repo.BillingProfitShare}
	default:
		return Charge{}
	}
}

// Ledger appends BillingEvent rows for computed charges.
type Ledger struct {
	repo *repo.Repo
}

func NewLedger(r *repo.Repo) *Ledger { return &Ledger{repo: r} }

// Record writes a BillingEvent for charge, if it is non-zero.
func (l *Ledger) Record(ctx context.Context, deploymentID string, charge Charge, asset string) error {
	if charge.Amount <= 0 {
		return nil
	}
	err := l.repo.CreateBillingEvent(ctx, repo.BillingEvent{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Kind:         charge.Kind,
		Amount:       charge.Amount,
		Asset:        asset,
	})
	if err != nil {
		return fmt.Errorf("record billing event: %w", err)
	}
	return nil
}
