package payments

import (
	"context"
	"fmt"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/util"
)

// ChargeOutcome is the answer of a payment provider for one charge attempt.
type ChargeOutcome struct {
	Approved      bool
	TransactionID string
	DeclineReason string
}

// PaymentGateway charges the customer for a payment that is PROCESSING.
// An error means the provider could not be reached and no charge happened.
type PaymentGateway interface {
	Charge(ctx context.Context, p *domain.Payment) (ChargeOutcome, error)
}

// SimulatedGateway approves every charge up to declineAbove and declines the
// rest. It stands in for a real provider in local setups.
type SimulatedGateway struct {
	declineAbove float64
	newTxID      func() string
}

func NewSimulatedGateway(declineAbove float64) *SimulatedGateway {
	return &SimulatedGateway{declineAbove: declineAbove, newTxID: util.NewTransactionID}
}

func (g *SimulatedGateway) Charge(ctx context.Context, p *domain.Payment) (ChargeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ChargeOutcome{}, err
	}
	if g.declineAbove > 0 && p.Amount > g.declineAbove {
		return ChargeOutcome{
			DeclineReason: fmt.Sprintf("amount %.2f exceeds limit %.2f", p.Amount, g.declineAbove),
		}, nil
	}
	return ChargeOutcome{Approved: true, TransactionID: g.newTxID()}, nil
}
