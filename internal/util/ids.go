package util

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.NewString()
}

func NewOrderNumber() string {
	return "ORD-" + prefix(8)
}

func NewPaymentNumber() string {
	return "PAY-" + prefix(8)
}

func NewTransactionID() string {
	return "TXN-" + prefix(12)
}

func prefix(n int) string {
	return strings.ToUpper(uuid.NewString()[:n])
}
