package executor

import (
	"context"
	"fmt"
	"log"

	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/fee"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// ClosePosition implements spec.md §4.1's idempotent close_position, used
// by the manual/chat close path and the admin HTTP surface.
func (e *Executor) ClosePosition(ctx context.Context, positionID string) (ExecutionResult, error) {
	return e.ClosePositionWithReason(ctx, positionID, "manual_close")
}

// ClosePositionWithReason is ClosePosition parameterized by the exit_reason
// recorded on a clean close, so the monitor's trailing-stop/hard-stop
// triggers (spec.md §4.3.1, reasons HARD_STOP_LOSS/TRAILING_STOP) can reuse
// the same CAS/profit-share/billing sequence instead of duplicating it. The
// pre-flight "closed externally" outcome always overrides the requested
// reason, since the venue — not the monitor's trigger — decided the exit.
func (e *Executor) ClosePositionWithReason(ctx context.Context, positionID, reason string) (ExecutionResult, error) {
	p, err := e.repo.GetPosition(ctx, positionID)
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("load position: %v", err)}, nil
	}
	if p.Status == repo.PositionClosed {
		return ExecutionResult{Success: true, PositionID: p.ID, Message: "already closed"}, nil
	}

	dep, err := e.repo.GetDeployment(ctx, p.DeploymentID)
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("load deployment: %v", err)}, nil
	}

	adapter, ok := e.adapterFor(p.Venue)
	if !ok {
		return ExecutionResult{Error: fmt.Sprintf("no adapter wired for venue %s", p.Venue), Reason: "market-unavailable"}, nil
	}

	won, err := e.repo.TryMarkClosing(ctx, p.ID)
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("mark closing: %v", err)}, nil
	}
	if !won {
		return ExecutionResult{Success: true, PositionID: p.ID, Message: "already processed"}, nil
	}

	scope := venue.UserScope{DeploymentID: dep.ID, SafeWallet: dep.SafeWallet, Chain: e.chain}
	if p.Venue == repo.VenuePerpB || p.Venue == repo.VenuePerpC {
		agent, aerr := e.repo.GetAgentAddress(ctx, dep.UserWallet, p.Venue)
		if aerr != nil {
			_ = e.repo.RevertClosingToOpen(ctx, p.ID)
			return ExecutionResult{Error: fmt.Sprintf("no delegated agent address for %s: %v", p.Venue, aerr), Reason: "no-agent-address"}, nil
		}
		scope.AgentAddress = agent.AgentAddress
	}

	res, callErr := adapter.Close(ctx, venue.CloseParams{UserScope: scope, Position: p})
	if callErr != nil {
		_ = e.repo.RevertClosingToOpen(ctx, p.ID)
		return ExecutionResult{Error: callErr.Error()}, nil
	}
	if res.Error != "" {
		_ = e.repo.RevertClosingToOpen(ctx, p.ID)
		return ExecutionResult{Error: res.Error, Reason: string(res.Reason)}, nil
	}

	exitReason := reason
	if res.ClosedExternally {
		exitReason = "closed_externally"
		if res.RealizedPnL != 0 {
			exitReason = "closed_externally_with_pnl"
		}
	}

	if res.RealizedPnL > 0 {
		e.distributeProfitShare(ctx, adapter, dep, scope, p, res.RealizedPnL)
	}

	actualQty := p.Qty
	if res.Qty > 0 {
		actualQty = res.Qty
	}

	if err := e.repo.FinalizeClose(ctx, p.ID, repo.CloseInput{
		ExitPrice:  res.ExitPrice,
		ExitTxRef:  res.TxRef,
		PnL:        res.RealizedPnL,
		ExitReason: exitReason,
		Qty:        actualQty,
	}); err != nil {
		return ExecutionResult{Error: fmt.Sprintf("finalize close: %v", err)}, nil
	}

	e.publish(events.EventPositionClosed, p.ID)
	log.Printf("executor: closed %s %s %s exit=%.6f pnl=%.6f reason=%s", dep.ID, p.Venue, p.TokenSymbol, res.ExitPrice, res.RealizedPnL, exitReason)

	return ExecutionResult{
		Success:    true,
		PositionID: p.ID,
		TxRef:      res.TxRef,
		ExecutionSummary: map[string]any{
			"exit_price": res.ExitPrice,
			"pnl":        res.RealizedPnL,
			"reason":     exitReason,
		},
	}, nil
}

// distributeProfitShare applies the venue's configured fee policy to a
// realized gain (spec.md close sequence step 5): compute the charge,
// transfer it from the vault/account to the configured receiver through
// the adapter, then write a BillingEvent regardless of whether the
// transfer itself succeeded, so operators can reconcile a failed payout.
func (e *Executor) distributeProfitShare(ctx context.Context, adapter venue.Adapter, dep repo.Deployment, scope venue.UserScope, p repo.Position, realizedPnL float64) {
	policy, ok := e.fees[p.Venue]
	if !ok {
		return
	}
	notional := venue.Descriptors[p.Venue].Notional(p.EntryPrice, p.Qty)
	charge := fee.Compute(policy, notional, realizedPnL)
	if charge.Amount <= 0 {
		return
	}

	receiver := dep.ProfitReceiverAddress
	if receiver == "" {
		receiver = policy.ReceiverAddr
	}
	if receiver != "" {
		if sharer, ok := adapter.(venue.ProfitShareAdapter); ok {
			if err := sharer.TransferProfitShare(ctx, scope, charge.Amount, receiver); err != nil {
				log.Printf("executor: profit share transfer failed for %s: %v", p.ID, err)
			}
		}
	}

	if err := e.ledger.Record(ctx, dep.ID, charge, "USDC"); err != nil {
		log.Printf("executor: billing event record failed for %s: %v", p.ID, err)
	}
}
