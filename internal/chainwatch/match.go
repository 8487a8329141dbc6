package chainwatch

import (
	"time"

	"github.com/shopspring/decimal"
)

// FindMatchingTransaction scans transactions for one that paid the expected
// amount to the address. A transaction qualifies when it was received at or
// after since and the total of its outputs to the address differs from
// expected by no more than epsilon. The first qualifying transaction in the
// given order wins; later equally valid matches are ignored.
func FindMatchingTransaction(txs []Transaction, address string, expected, epsilon decimal.Decimal, since time.Time) (Transaction, bool) {
	for _, tx := range txs {
		if tx.ReceivedAt.Before(since) {
			continue
		}
		total := outputTotal(tx, address)
		if total.IsZero() {
			continue
		}
		if total.Sub(expected).Abs().LessThanOrEqual(epsilon) {
			return tx, true
		}
	}
	return Transaction{}, false
}

// outputTotal sums a transaction's outputs paying the address. Multiple
// outputs to the same address in one transaction count as one payment.
func outputTotal(tx Transaction, address string) decimal.Decimal {
	total := decimal.Zero
	for _, out := range tx.Outputs {
		for _, addr := range out.Addresses {
			if addr == address {
				total = total.Add(out.Value)
				break
			}
		}
	}
	return total
}
