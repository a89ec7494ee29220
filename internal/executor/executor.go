package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// isVaultMediated reports whether a venue trades through the user's vault
// module (spot, PERP-A) as opposed to a delegated off-chain account
// (PERP-B, PERP-C). Only vault-mediated venues get an eager pre-trade
// balance check; delegated venues defer balance validation to the adapter.
func isVaultMediated(v repo.Venue) bool {
	return v == repo.VenueSpot || v == repo.VenuePerpA
}

// Execute implements `execute(signal_id [, deployment_id])` from spec.md
// §4.1. An empty deploymentID selects auto mode: the newest eligible
// deployment subscribed to the signal's agent.
func (e *Executor) Execute(ctx context.Context, signalID, deploymentID string) (ExecutionResult, error) {
	sig, err := e.repo.GetSignal(ctx, signalID)
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("load signal: %v", err)}, nil
	}

	var dep repo.Deployment
	if deploymentID != "" {
		dep, err = e.repo.GetDeployment(ctx, deploymentID)
		if err != nil {
			return ExecutionResult{Error: fmt.Sprintf("load deployment: %v", err)}, nil
		}
		if !dep.IsEligible() {
			return ExecutionResult{Error: "deployment is not eligible", Reason: "deployment-ineligible"}, nil
		}
	} else {
		dep, err = e.repo.NewestActiveDeploymentForAgent(ctx, sig.AgentID)
		if err != nil {
			return ExecutionResult{Error: fmt.Sprintf("no eligible deployment for agent %s: %v", sig.AgentID, err)}, nil
		}
	}

	return e.executeForDeployment(ctx, sig, dep)
}

// ExecuteForAgent fans a signal out to every currently-eligible deployment
// subscribed to its agent, used by the classifier path (as opposed to the
// manual, single-deployment command path that calls Execute directly).
func (e *Executor) ExecuteForAgent(ctx context.Context, signalID string) ([]ExecutionResult, error) {
	sig, err := e.repo.GetSignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("load signal: %w", err)
	}
	deps, err := e.repo.EligibleDeploymentsForAgent(ctx, sig.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	results := make([]ExecutionResult, 0, len(deps))
	for _, dep := range deps {
		res, err := e.executeForDeployment(ctx, sig, dep)
		if err != nil {
			log.Printf("executor: deployment %s execution error: %v", dep.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) executeForDeployment(ctx context.Context, sig repo.Signal, dep repo.Deployment) (ExecutionResult, error) {
	e.publish(events.EventSignalReceived, sig.ID)

	// I1 idempotency: if a Position already exists for (deployment, signal),
	// this is a re-delivery or a losing concurrent writer. Treat as success.
	if existing, err := e.repo.GetPositionByDeploymentSignal(ctx, dep.ID, sig.ID); err == nil {
		return ExecutionResult{Success: true, PositionID: existing.ID, Message: "already executed"}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ExecutionResult{Error: fmt.Sprintf("check existing position: %v", err)}, nil
	}

	v, err := e.routeVenue(ctx, sig, dep)
	if err != nil {
		return ExecutionResult{Error: err.Error(), Reason: "market-unavailable"}, nil
	}

	adapter, ok := e.adapterFor(v)
	if !ok {
		return ExecutionResult{Error: fmt.Sprintf("no adapter wired for venue %s", v), Reason: "market-unavailable"}, nil
	}
	tokenSymbol := stripManualTag(sig.TokenSymbol)

	scope := venue.UserScope{DeploymentID: dep.ID, SafeWallet: dep.SafeWallet, Chain: e.chain}
	if v == repo.VenuePerpB || v == repo.VenuePerpC {
		agent, err := e.repo.GetAgentAddress(ctx, dep.UserWallet, v)
		if err != nil {
			return ExecutionResult{Error: fmt.Sprintf("no delegated agent address for %s: %v", v, err), Reason: "no-agent-address"}, nil
		}
		scope.AgentAddress = agent.AgentAddress
	}

	sizeCollateral, rejectReason, rejectMsg := e.validateAndSize(ctx, adapter, scope, v, tokenSymbol, sig)
	if rejectMsg != "" {
		return ExecutionResult{Error: rejectMsg, Reason: rejectReason}, nil
	}

	res, callErr := adapter.Open(ctx, venue.OpenParams{
		UserScope:       scope,
		TokenSymbol:     tokenSymbol,
		Side:            sig.Side,
		SizeCollateral:  sizeCollateral,
		Leverage:        sig.RiskModel.Leverage,
		TrailingPercent: sig.RiskModel.TrailingPercent,
	})
	if callErr != nil {
		return ExecutionResult{Error: callErr.Error()}, nil
	}
	if res.Error != "" {
		e.publish(events.EventPositionRejected, sig.ID)
		return ExecutionResult{Error: res.Error, Reason: string(res.Reason)}, nil
	}

	qty := res.AmountOut
	if qty <= 0 {
		// PERP-A/PERP-C size by collateral notional rather than reporting a
		// filled asset quantity (venue.Descriptors QtySemantics=QuoteCollateral).
		qty = sizeCollateral
	}

	positionID := uuid.NewString()
	p := repo.Position{
		ID:                  positionID,
		DeploymentID:        dep.ID,
		SignalID:            sig.ID,
		Venue:               v,
		TokenSymbol:         tokenSymbol,
		Side:                sig.Side,
		EntryPrice:          res.EntryPriceEstimate,
		Qty:                 qty,
		EntryTxRef:          res.TxRef,
		OpenedAt:            time.Now(),
		Status:              repo.PositionOpen,
		Trailing: repo.TrailingParams{
			Enabled:         sig.RiskModel.TrailingPercent > 0,
			TrailingPercent: sig.RiskModel.TrailingPercent,
		},
		VenueTradeID:        res.VenueTradeID,
		VenueTradeIndex:     res.VenueTradeIndex,
		EntryPriceConfirmed: res.EntryConfirmed,
	}

	if err := e.repo.CreatePosition(ctx, p); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			// Lost the race to another worker; the winner's row is authoritative.
			existing, ferr := e.repo.GetPositionByDeploymentSignal(ctx, dep.ID, sig.ID)
			if ferr != nil {
				return ExecutionResult{Error: fmt.Sprintf("refetch after collision: %v", ferr)}, nil
			}
			return ExecutionResult{Success: true, PositionID: existing.ID, Message: "already executed"}, nil
		}
		return ExecutionResult{Error: fmt.Sprintf("store position: %v", err)}, nil
	}

	e.publish(events.EventPositionOpened, p)
	log.Printf("executor: opened %s %s %s qty=%.6f entry=%.6f tx=%s", dep.ID, v, tokenSymbol, qty, res.EntryPriceEstimate, res.TxRef)

	return ExecutionResult{
		Success:    true,
		PositionID: positionID,
		TxRef:      res.TxRef,
		ExecutionSummary: map[string]any{
			"venue":       string(v),
			"qty":         qty,
			"entry_price": res.EntryPriceEstimate,
		},
	}, nil
}

// validateAndSize performs spec.md §4.1's pre-trade validation and returns
// the resolved trade size. On rejection it returns a non-empty error
// message and structured reason instead of a size.
func (e *Executor) validateAndSize(ctx context.Context, adapter venue.Adapter, scope venue.UserScope, v repo.Venue, tokenSymbol string, sig repo.Signal) (float64, string, string) {
	// 1. venue availability
	if v == repo.VenueSpot {
		if _, err := e.repo.GetTokenRegistryEntry(ctx, e.chain, tokenSymbol); err != nil {
			return 0, "unknown-token", fmt.Sprintf("token %s not registered on %s", tokenSymbol, e.chain)
		}
	} else {
		m, err := e.repo.GetVenueMarket(ctx, v, tokenSymbol)
		if err != nil || !m.IsActive {
			return 0, "market-unavailable", fmt.Sprintf("%s not active on %s", tokenSymbol, v)
		}
	}

	// 2. collateral check
	balance, err := adapter.UserBalance(ctx, scope)
	if err != nil {
		return 0, "venue-rejected", fmt.Sprintf("read balance: %v", err)
	}
	if isVaultMediated(v) && balance <= 0 {
		return 0, "no-balance", "vault has zero collateral balance"
	}

	// 3. sizing
	descriptor := descriptorFor(v)
	size := sig.SizeModel.Value
	if sig.SizeModel.Kind == repo.SizeBalancePercentage {
		size = balance * sig.SizeModel.Value / 100
	}
	if size < descriptor.MinSize {
		return 0, "min-size", fmt.Sprintf("size %.6f below %s minimum %.6f", size, v, descriptor.MinSize)
	}
	if size > balance {
		return 0, "insufficient-balance", fmt.Sprintf("size %.6f exceeds balance %.6f", size, balance)
	}

	return size, "", ""
}

func descriptorFor(v repo.Venue) venue.Descriptor {
	return venue.Descriptors[v]
}
