package venue

import "github.com/maxxit-ai/coordinator/internal/repo"

// QtySemantics resolves the open question in spec.md §9: whether a
// Position's qty field is denominated in units of the traded asset or in
// quote/collateral. Descriptor.PnL and Descriptor.Notional branch on it;
// the monitor's trailing-stop and hard-stop evaluation works on prices
// alone and does not take it.
type QtySemantics string

const (
	AssetUnits      QtySemantics = "asset_units"
	QuoteCollateral QtySemantics = "quote_collateral"
)

// Descriptor collects the static per-venue constants that spec.md
// otherwise scatters across the pre-trade validation and close-sequence
// prose, in one lookup table.
type Descriptor struct {
	Venue             repo.Venue
	MinSize           float64 // minimum collateral/quote units per trade
	MaxLeverage       float64
	HardStopPercent   float64
	ActivationPercent float64
	FixedFee          float64 // flat protocol fee in collateral units, 0 if none
	QtySemantics      QtySemantics
}

// PnL computes realized profit/loss for a closed position, branching on
// QtySemantics per spec.md §9: for AssetUnits venues qty is the traded
// asset quantity, so pnl is the price delta times qty; for QuoteCollateral
// venues qty is the collateral/notional committed rather than an asset
// quantity, so pnl is the price's percentage move applied to that
// collateral instead — multiplying qty by a raw price delta there would
// mix units and misstate P&L, which is exactly the inconsistency this
// open question flags.
func (d Descriptor) PnL(side repo.Side, entry, exit, qty float64) float64 {
	if d.QtySemantics == QuoteCollateral {
		pct := (exit - entry) / entry
		if side == repo.SideShort {
			pct = -pct
		}
		return qty * pct
	}
	if side == repo.SideLong {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

// Notional computes the quote-denominated trade size the PERCENTAGE fee
// model charges against. AssetUnits venues need price*qty to convert an
// asset quantity into quote terms; QuoteCollateral venues' qty is already
// quote-denominated, so it is used as-is.
func (d Descriptor) Notional(entry, qty float64) float64 {
	if d.QtySemantics == QuoteCollateral {
		return qty
	}
	return entry * qty
}

// Descriptors is keyed by repo.Venue. Every venue sources its own qty
// from its adapter's open() result: spot and PERP-B report actual filled
// asset units, so they're AssetUnits; PERP-A and PERP-C size orders by
// collateral_delta and a pending-fill model respectively, so qty there is
// the collateral committed, not the underlying asset quantity — see
// DESIGN.md's Open Questions entry for the reasoning.
var Descriptors = map[repo.Venue]Descriptor{
	repo.VenueSpot: {
		Venue:             repo.VenueSpot,
		MinSize:           0.1,
		MaxLeverage:       1,
		HardStopPercent:   10,
		ActivationPercent: 3,
		FixedFee:          0,
		QtySemantics:      AssetUnits,
	},
	repo.VenuePerpA: {
		Venue:             repo.VenuePerpA,
		MinSize:           1,
		MaxLeverage:       10,
		HardStopPercent:   10,
		ActivationPercent: 3,
		FixedFee:          0.2,
		QtySemantics:      QuoteCollateral,
	},
	repo.VenuePerpB: {
		Venue:             repo.VenuePerpB,
		MinSize:           10,
		MaxLeverage:       20,
		HardStopPercent:   10,
		ActivationPercent: 3,
		FixedFee:          0,
		QtySemantics:      AssetUnits,
	},
	repo.VenuePerpC: {
		Venue:             repo.VenuePerpC,
		MinSize:           10,
		MaxLeverage:       20,
		HardStopPercent:   10,
		ActivationPercent: 3,
		FixedFee:          0,
		QtySemantics:      QuoteCollateral,
	},
}

// PerpASecurityLimits are the hard on-chain perp ceilings from spec.md
// §4.1; kept separate from Descriptor because they gate order submission
// rather than sizing/trailing math.
type PerpASecurityLimits struct {
	MaxLeverage    float64
	MaxPosition    float64
	MaxDailyVolume float64
}

var PerpASecurity = PerpASecurityLimits{
	MaxLeverage:    10,
	MaxPosition:    5000,
	MaxDailyVolume: 20000,
}
