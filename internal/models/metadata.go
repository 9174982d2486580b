package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metadata is the closed set of payloads a transaction can carry
type Metadata interface {
	metadataKind() string
}

// OrderMetadata links a posting to an order and, for fills, a trade
type OrderMetadata struct {
	OrderID uuid.UUID `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	TradeID uuid.UUID `json:"trade_id,omitempty"`
}

// TransferMetadata describes one leg of a wallet-to-wallet transfer
type TransferMetadata struct {
	CounterpartyWalletID uuid.UUID       `json:"counterparty_wallet_id"`
	SourceCurrency       string          `json:"source_currency"`
	TargetCurrency       string          `json:"target_currency"`
	ExchangeRate         decimal.Decimal `json:"exchange_rate"`
	ConversionFee        decimal.Decimal `json:"conversion_fee"`
}

// PaymentMetadata describes a deposit or withdrawal through an external gateway
type PaymentMetadata struct {
	Gateway        string `json:"gateway"`
	Reference      string `json:"reference"`
	Reserved       bool   `json:"reserved,omitempty"` // withdrawal funds are held in locked balance
	ProviderStatus string `json:"provider_status,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// LockMetadata explains why funds were locked or released
type LockMetadata struct {
	OrderID uuid.UUID `json:"order_id,omitempty"`
	Reason  string    `json:"reason"`
}

// ReversalMetadata points a compensating entry at the transaction it undoes
type ReversalMetadata struct {
	OriginalID   uuid.UUID       `json:"original_id"`
	OriginalType TransactionType `json:"original_type"`
	Reason       string          `json:"reason,omitempty"`
}

func (OrderMetadata) metadataKind() string    { return "order" }
func (TransferMetadata) metadataKind() string { return "transfer" }
func (PaymentMetadata) metadataKind() string  { return "payment" }
func (LockMetadata) metadataKind() string     { return "lock" }
func (ReversalMetadata) metadataKind() string { return "reversal" }

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes m with its kind tag; nil encodes to nil
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.metadataKind(), Data: data})
}

// DecodeMetadata parses the output of EncodeMetadata
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode metadata envelope: %w", err)
	}

	var (
		m   Metadata
		err error
	)
	switch env.Kind {
	case "order":
		var v OrderMetadata
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "transfer":
		var v TransferMetadata
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "payment":
		var v PaymentMetadata
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "lock":
		var v LockMetadata
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "reversal":
		var v ReversalMetadata
		err = json.Unmarshal(env.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s metadata: %w", env.Kind, err)
	}
	return m, nil
}
