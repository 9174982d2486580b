package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
	"github.com/xtrntr/trendex/internal/store"
)

// RateProvider quotes how many units of to one unit of from buys
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// FixedRates is a static rate table keyed "FROM/TO". The inverse pair is derived when missing.
type FixedRates map[string]decimal.Decimal

func (r FixedRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = normalizeCurrency(from), normalizeCurrency(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := r[from+"/"+to]; ok {
		return rate, nil
	}
	if rate, ok := r[to+"/"+from]; ok && rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(rate, 16), nil
	}
	return decimal.Zero, exception.NotFound("rate", from+"/"+to)
}

// Transfer is the pair of legs written by a double entry
type Transfer struct {
	Out  models.Transaction `json:"out"`
	In   models.Transaction `json:"in"`
	Rate decimal.Decimal    `json:"rate"`
	Fee  decimal.Decimal    `json:"conversion_fee"`
}

// RecordDoubleEntry moves amount of currency from one user's wallet to another's
// as a TRANSFER_OUT and TRANSFER_IN committed together.
func (l *Ledger) RecordDoubleEntry(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal, currency, description string, opts ...Option) (*Transfer, error) {
	return l.transfer(ctx, SpotKey(fromUserID, currency), SpotKey(toUserID, currency), amount, decimal.NewFromInt(1), description, collect(opts))
}

// ConvertAndTransfer debits amount of fromCurrency and credits its value in
// toCurrency at a snapshotted rate, less the conversion fee.
func (l *Ledger) ConvertAndTransfer(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal, fromCurrency, toCurrency, description string, opts ...Option) (*Transfer, error) {
	from, to := SpotKey(fromUserID, fromCurrency), SpotKey(toUserID, toCurrency)
	if from.Currency == to.Currency {
		return l.transfer(ctx, from, to, amount, decimal.NewFromInt(1), description, collect(opts))
	}
	rate, err := l.rates.Rate(ctx, from.Currency, to.Currency)
	if err != nil {
		if errors.Is(err, exception.ErrNotFound) {
			return nil, exception.NewValidation(fmt.Sprintf("no rate for %s/%s", from.Currency, to.Currency))
		}
		return nil, &exception.ExternalServiceError{Service: "rates", Err: err}
	}
	if !rate.IsPositive() {
		return nil, exception.NewValidation(fmt.Sprintf("invalid rate %s for %s/%s", rate, from.Currency, to.Currency))
	}
	return l.transfer(ctx, from, to, amount, rate, description, collect(opts))
}

func (l *Ledger) transfer(ctx context.Context, from, to models.WalletKey, amount, rate decimal.Decimal, description string, o options) (*Transfer, error) {
	if !amount.IsPositive() {
		return nil, exception.NewValidation("amount must be positive")
	}
	if from == to {
		return nil, exception.NewValidation("cannot transfer to the same wallet")
	}

	credited := amount.Mul(rate).Truncate(models.AmountScale)
	fee := decimal.Zero
	if from.Currency != to.Currency {
		fee = credited.Mul(l.cfg.ConversionFeeRate).Round(models.AmountScale)
	}
	net := credited.Sub(fee)
	if !net.IsPositive() {
		return nil, exception.NewValidation("amount is too small to convert")
	}

	// Wallet ids fix the lock order, so both wallets must exist first
	src, err := l.EnsureWallet(ctx, from.UserID, from.Currency)
	if err != nil {
		return nil, err
	}
	dst, err := l.EnsureWallet(ctx, to.UserID, to.Currency)
	if err != nil {
		return nil, err
	}

	var (
		out        *Transfer
		srcW, dstW *models.Wallet
	)
	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		first, second := src.ID, dst.ID
		if second.String() < first.String() {
			first, second = second, first
		}
		a, err := tx.LockWalletByID(ctx, first)
		if err != nil {
			return err
		}
		b, err := tx.LockWalletByID(ctx, second)
		if err != nil {
			return err
		}
		srcW, dstW = a, b
		if a.ID != src.ID {
			srcW, dstW = b, a
		}

		if o.key != "" {
			prevOut, err := tx.TransactionByKey(ctx, o.key+":out")
			if err == nil {
				prevIn, err := tx.TransactionByKey(ctx, o.key+":in")
				if err != nil {
					return err
				}
				out = &Transfer{Out: *prevOut, In: *prevIn, Rate: rate, Fee: fee}
				if m, ok := prevIn.Metadata.(models.TransferMetadata); ok {
					out.Rate, out.Fee = m.ExchangeRate, m.ConversionFee
				}
				srcW, dstW = nil, nil
				return nil
			}
			if !errors.Is(err, exception.ErrNotFound) {
				return err
			}
		}

		now := l.now()
		refType := o.refType
		if refType == "" {
			refType = models.RefTransfer
		}
		outTxn := newTransaction(srcW, Posting{
			Type:          models.TxTransferOut,
			Amount:        amount,
			Description:   description,
			ReferenceID:   o.refID,
			ReferenceType: refType,
			Metadata: models.TransferMetadata{
				CounterpartyWalletID: dstW.ID,
				SourceCurrency:       from.Currency,
				TargetCurrency:       to.Currency,
				ExchangeRate:         rate,
				ConversionFee:        fee,
			},
		}, now)
		inTxn := newTransaction(dstW, Posting{
			Type:          models.TxTransferIn,
			Amount:        net,
			Description:   description,
			ReferenceID:   o.refID,
			ReferenceType: refType,
			Metadata: models.TransferMetadata{
				CounterpartyWalletID: srcW.ID,
				SourceCurrency:       from.Currency,
				TargetCurrency:       to.Currency,
				ExchangeRate:         rate,
				ConversionFee:        fee,
			},
		}, now)
		if o.key != "" {
			outTxn.IdempotencyKey = o.key + ":out"
			inTxn.IdempotencyKey = o.key + ":in"
		}
		if outTxn.ReferenceID == "" {
			outTxn.ReferenceID = outTxn.ID.String()
			inTxn.ReferenceID = outTxn.ID.String()
		}

		if err := l.apply(srcW, outTxn, now, true); err != nil {
			return err
		}
		if err := l.apply(dstW, inTxn, now, true); err != nil {
			return err
		}
		for _, txn := range []*models.Transaction{outTxn, inTxn} {
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return fmt.Errorf("failed to insert %s: %w", txn.Type, err)
			}
		}
		if err := tx.SaveWallet(ctx, srcW); err != nil {
			return err
		}
		if err := tx.SaveWallet(ctx, dstW); err != nil {
			return err
		}
		out = &Transfer{Out: *outTxn, In: *inTxn, Rate: rate, Fee: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if srcW != nil {
		l.committed(ctx, srcW, out.Out)
		l.committed(ctx, dstW, out.In)
	}
	return out, nil
}
