package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Batch stages credits and debits against a ledger. Reads see the staged
// values; nothing reaches the ledger until Commit. A dropped batch leaves
// the ledger untouched.
type Batch struct {
	l      *Ledger
	staged map[entryKey]*uint256.Int
}

func (l *Ledger) Begin() *Batch {
	return &Batch{l: l, staged: make(map[entryKey]*uint256.Int)}
}

func (b *Batch) BalanceOf(account, asset common.Address) *uint256.Int {
	if v, ok := b.staged[entryKey{asset, account}]; ok {
		return new(uint256.Int).Set(v)
	}
	return b.l.BalanceOf(account, asset)
}

func (b *Batch) Credit(account, asset common.Address, amount *uint256.Int) error {
	next, err := credited(b.BalanceOf(account, asset), amount)
	if err != nil {
		return err
	}
	b.staged[entryKey{asset, account}] = next
	return nil
}

func (b *Batch) Debit(account, asset common.Address, amount *uint256.Int) error {
	next, err := debited(b.BalanceOf(account, asset), amount)
	if err != nil {
		return err
	}
	b.staged[entryKey{asset, account}] = next
	return nil
}

// Commit applies every staged entry. The batch must not be reused.
func (b *Batch) Commit() {
	for k, v := range b.staged {
		b.l.set(k, v)
	}
	b.staged = nil
}
