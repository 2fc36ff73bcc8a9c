package ledger

import "github.com/shopspring/decimal"

// SeedBalance is a test helper that sets an account balance directly when
// using the in-memory store. It appends a matching deposit entry so the
// balance/journal conservation invariant keeps holding.
func SeedBalance(s Store, accountID string, amount decimal.Decimal) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if acct, exists := mem.accounts[accountID]; exists {
			acct.Balance = acct.Balance.Add(amount)
			mem.append(accountID, amount, acct.Currency, KindDeposit, "")
		}
	}
}
