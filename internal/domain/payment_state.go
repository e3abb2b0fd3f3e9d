package domain

import "time"

// PaymentAction is one of the closed set of actions the payment state machine
// understands. The unexported marker keeps the set sealed to this package.
type PaymentAction interface {
	Name() string
	isPaymentAction()
}

// OpenPayment creates the PENDING record for an order seen for the first time.
type OpenPayment struct {
	PaymentID     string
	PaymentNumber string
	OrderKey      string
	CustomerID    string
	Amount        float64
	Method        PaymentMethod

	SourceUpdatedAt time.Time
}

// AmendPayment carries billable order details from a later order event.
// Zero fields keep the recorded value. A snapshot older than the one already
// applied is rejected as stale.
type AmendPayment struct {
	CustomerID      string
	Amount          float64
	SourceUpdatedAt time.Time
}

type BeginProcessing struct{}

type CompletePayment struct {
	TransactionID string
}

type FailPayment struct {
	Reason string
}

type RefundPayment struct{}

type CancelPayment struct{}

func (OpenPayment) Name() string     { return "open" }
func (AmendPayment) Name() string    { return "amend" }
func (BeginProcessing) Name() string { return "begin_processing" }
func (CompletePayment) Name() string { return "complete" }
func (FailPayment) Name() string     { return "fail" }
func (RefundPayment) Name() string   { return "refund" }
func (CancelPayment) Name() string   { return "cancel" }

func (OpenPayment) isPaymentAction()     {}
func (AmendPayment) isPaymentAction()    {}
func (BeginProcessing) isPaymentAction() {}
func (CompletePayment) isPaymentAction() {}
func (FailPayment) isPaymentAction()     {}
func (RefundPayment) isPaymentAction()   {}
func (CancelPayment) isPaymentAction()   {}

const defaultFailureReason = "payment processing failed"

type TransitionContext struct {
	Now time.Time
}

// Transition describes an applied action. From is empty for a newly opened payment.
type Transition struct {
	From   PaymentStatus
	To     PaymentStatus
	Action string
}

// IsTerminal reports whether no forward transition leaves status.
// COMPLETED is not terminal: it can still be refunded.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}

// ApplyPaymentAction is the single place where payment status changes are
// decided:
//
//	(none)     + open             -> PENDING
//	PENDING    + amend            -> PENDING (only when details changed and the snapshot is not older)
//	PENDING    + begin_processing -> PROCESSING
//	PROCESSING + complete         -> COMPLETED (transaction id, payment date)
//	PROCESSING + fail             -> FAILED (reason)
//	COMPLETED  + refund           -> REFUNDED
//	PENDING|PROCESSING|FAILED + cancel -> CANCELLED
//
// Anything else returns a *RejectedTransitionError. current is never modified;
// on success a new record is returned.
func ApplyPaymentAction(current *Payment, action PaymentAction, tc TransitionContext) (*Payment, Transition, error) {
	if action == nil {
		return nil, Transition{}, rejected(current, "<nil>", "no action")
	}
	now := tc.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	if current == nil {
		open, ok := action.(OpenPayment)
		if !ok {
			return nil, Transition{}, rejected(nil, action.Name(), "no payment exists for order")
		}
		if open.OrderKey == "" || open.PaymentID == "" || open.Amount <= 0 {
			return nil, Transition{}, rejected(nil, action.Name(), "incomplete payment details")
		}
		method := open.Method
		if method == "" {
			method = PaymentMethodCreditCard
		}
		p := &Payment{
			ID:            open.PaymentID,
			PaymentNumber: open.PaymentNumber,
			OrderKey:      open.OrderKey,
			CustomerID:    open.CustomerID,
			Amount:        open.Amount,
			Method:        method,
			Status:        PaymentStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,

			SourceUpdatedAt: open.SourceUpdatedAt.UTC(),
		}
		return p, Transition{To: PaymentStatusPending, Action: action.Name()}, nil
	}

	next := current.clone()
	switch a := action.(type) {
	case OpenPayment:
		return nil, Transition{}, rejected(current, a.Name(), "payment already exists")

	case AmendPayment:
		if current.Status != PaymentStatusPending {
			return nil, Transition{}, rejected(current, a.Name(), "payment is no longer pending")
		}
		if !a.SourceUpdatedAt.IsZero() && a.SourceUpdatedAt.Before(current.SourceUpdatedAt) {
			return nil, Transition{}, rejected(current, a.Name(), "stale order snapshot")
		}
		customerID, amount := current.CustomerID, current.Amount
		if a.CustomerID != "" {
			customerID = a.CustomerID
		}
		if a.Amount > 0 {
			amount = a.Amount
		}
		if customerID == current.CustomerID && amount == current.Amount {
			return nil, Transition{}, rejected(current, a.Name(), "no new information")
		}
		next.CustomerID = customerID
		next.Amount = amount
		if a.SourceUpdatedAt.After(current.SourceUpdatedAt) {
			next.SourceUpdatedAt = a.SourceUpdatedAt.UTC()
		}

	case BeginProcessing:
		if current.Status != PaymentStatusPending {
			return nil, Transition{}, rejected(current, a.Name(), "")
		}
		next.Status = PaymentStatusProcessing

	case CompletePayment:
		if current.Status != PaymentStatusProcessing {
			return nil, Transition{}, rejected(current, a.Name(), "")
		}
		if a.TransactionID == "" {
			return nil, Transition{}, rejected(current, a.Name(), "transaction id is required")
		}
		txID := a.TransactionID
		paidAt := now
		next.Status = PaymentStatusCompleted
		next.TransactionID = &txID
		next.PaymentDate = &paidAt

	case FailPayment:
		if current.Status != PaymentStatusProcessing {
			return nil, Transition{}, rejected(current, a.Name(), "")
		}
		next.Status = PaymentStatusFailed
		next.FailureReason = a.Reason
		if next.FailureReason == "" {
			next.FailureReason = defaultFailureReason
		}

	case RefundPayment:
		if current.Status != PaymentStatusCompleted {
			return nil, Transition{}, rejected(current, a.Name(), "")
		}
		next.Status = PaymentStatusRefunded

	case CancelPayment:
		switch current.Status {
		case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusFailed:
			next.Status = PaymentStatusCancelled
		default:
			return nil, Transition{}, rejected(current, a.Name(), "")
		}

	default:
		return nil, Transition{}, rejected(current, action.Name(), "unknown action")
	}

	next.UpdatedAt = now
	return next, Transition{From: current.Status, To: next.Status, Action: action.Name()}, nil
}

func rejected(current *Payment, action, reason string) error {
	e := &RejectedTransitionError{Action: action, Reason: reason}
	if current != nil {
		e.From = current.Status
	}
	return e
}
