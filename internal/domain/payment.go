package domain

import (
	"fmt"
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

type PaymentMethod string

const (
	PaymentMethodCreditCard     PaymentMethod = "CREDIT_CARD"
	PaymentMethodDebitCard      PaymentMethod = "DEBIT_CARD"
	PaymentMethodNetBanking     PaymentMethod = "NET_BANKING"
	PaymentMethodUPI            PaymentMethod = "UPI"
	PaymentMethodWallet         PaymentMethod = "WALLET"
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

// Payment is the durable payment record derived from order events. There is
// exactly one per OrderKey. Version is bumped on every successful write and
// guards conditional updates. SourceUpdatedAt is the UpdatedAt of the newest
// order snapshot applied to the record; zero when unknown.
type Payment struct {
	ID            string
	PaymentNumber string
	OrderKey      string
	CustomerID    string
	Amount        float64
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID *string
	FailureReason string
	PaymentDate   *time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time

	SourceUpdatedAt time.Time
}

func (p *Payment) clone() *Payment {
	c := *p
	if p.TransactionID != nil {
		txID := *p.TransactionID
		c.TransactionID = &txID
	}
	if p.PaymentDate != nil {
		date := *p.PaymentDate
		c.PaymentDate = &date
	}
	return &c
}

// PaymentFilter narrows List queries. Empty fields match everything.
type PaymentFilter struct {
	CustomerID string
	Status     PaymentStatus
	Limit      int
}
