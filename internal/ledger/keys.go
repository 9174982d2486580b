package ledger

import (
	"github.com/google/uuid"
)

// Idempotency keys of the postings an order causes over its life

func OrderLockKey(orderID uuid.UUID) string {
	return "lock:" + orderID.String()
}

func TopUpKey(orderID uuid.UUID) string {
	return "topup:" + orderID.String()
}

func CancelKey(orderID uuid.UUID) string {
	return "cancel:" + orderID.String()
}

// ReleaseKey releases whatever an order still holds once it is terminal
func ReleaseKey(orderID uuid.UUID) string {
	return "release:" + orderID.String()
}

// SettleKey identifies one wallet's postings for one fill; leg is "quote", "base" or "fees"
func SettleKey(tradeID, orderID uuid.UUID, leg string) string {
	return "settle:" + tradeID.String() + ":" + orderID.String() + ":" + leg
}
