package main

import (
	"context"
	"fmt"
	"time"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/service"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/shopspring/decimal"
)

const (
	demoRequester = "demo-trader"
	demoApprover  = "demo-approver"
	demoOperator  = "demo-ops"
)

type step func(ctx context.Context, svc *service.TradeService, in service.TransitionInput) (*service.TransitionResult, error)

func approve(actor string) step {
	return func(ctx context.Context, svc *service.TradeService, in service.TransitionInput) (*service.TransitionResult, error) {
		in.ActorID = actor
		return svc.Approve(ctx, in)
	}
}

func sendToExecute(actor string) step {
	return func(ctx context.Context, svc *service.TradeService, in service.TransitionInput) (*service.TransitionResult, error) {
		in.ActorID = actor
		return svc.SendToExecute(ctx, in)
	}
}

func book(actor, strike string) step {
	return func(ctx context.Context, svc *service.TradeService, in service.TransitionInput) (*service.TransitionResult, error) {
		in.ActorID = actor
		return svc.Book(ctx, service.BookTradeInput{TransitionInput: in, Strike: decimal.RequireFromString(strike)})
	}
}

func amendNotional(actor, amount string) step {
	return func(ctx context.Context, svc *service.TradeService, in service.TransitionInput) (*service.TransitionResult, error) {
		in.ActorID = actor
		v := decimal.RequireFromString(amount)
		return svc.Update(ctx, service.UpdateTradeInput{TransitionInput: in, Changes: workflow.Amendment{NotionalAmount: &v}})
	}
}

func cancelTrade(actor string) step {
	return func(ctx context.Context, svc *service.TradeService, in service.TransitionInput) (*service.TransitionResult, error) {
		in.ActorID = actor
		in.Note = "Cancelled during seeding"
		return svc.Cancel(ctx, in)
	}
}

type scenario struct {
	counterparty string
	currency     string
	underlying   []string
	steps        []step
}

// One trade per reachable state so every view has data.
var scenarios = []scenario{
	{counterparty: "Bank A", currency: "USD", underlying: []string{"USD", "EUR"}},
	{counterparty: "Bank B", currency: "EUR", underlying: []string{"EUR", "GBP"}, steps: []step{
		amendNotional(demoApprover, "750000"),
	}},
	{counterparty: "Bank C", currency: "GBP", underlying: []string{"GBP", "USD"}, steps: []step{
		approve(demoApprover),
	}},
	{counterparty: "Bank D", currency: "USD", underlying: []string{"USD", "JPY"}, steps: []step{
		approve(demoApprover),
		sendToExecute(demoApprover),
	}},
	{counterparty: "Bank E", currency: "EUR", underlying: []string{"EUR", "USD"}, steps: []step{
		amendNotional(demoApprover, "1200000.50"),
		approve(demoRequester),
		sendToExecute(demoApprover),
		book(demoRequester, "1.087345"),
	}},
	{counterparty: "Bank F", currency: "USD", underlying: []string{"USD", "CHF"}, steps: []step{
		cancelTrade(demoRequester),
	}},
}

func seedTrades(ctx context.Context, svc *service.TradeService) ([]storage.Trade, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	out := make([]storage.Trade, 0, len(scenarios))

	for _, sc := range scenarios {
		res, err := svc.CreateAndSubmit(ctx, service.CreateTradeInput{
			ActorID: demoRequester,
			Details: workflow.Details{
				TradingEntity:    "Validus LLP",
				Counterparty:     sc.counterparty,
				Direction:        workflow.DirectionBuy,
				NotionalCurrency: sc.currency,
				NotionalAmount:   decimal.NewFromInt(1_000_000),
				Underlying:       sc.underlying,
				TradeDate:        today,
				ValueDate:        today.AddDate(0, 0, 2),
				DeliveryDate:     today.AddDate(0, 0, 5),
			},
			Note: "Seeded trade",
		})
		if err != nil {
			return nil, fmt.Errorf("create %s trade: %w", sc.counterparty, err)
		}
		trade := res.Trade
		for i, st := range sc.steps {
			res, err = st(ctx, svc, service.TransitionInput{TradeID: trade.ID, ExpectedVersion: trade.Version})
			if err != nil {
				return nil, fmt.Errorf("%s step %d: %w", sc.counterparty, i+1, err)
			}
			trade = res.Trade
		}
		out = append(out, *trade)
	}
	return out, nil
}
