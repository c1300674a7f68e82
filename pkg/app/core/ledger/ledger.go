// Package ledger holds custodial balances per (asset, account).
//
// A Ledger is not safe for concurrent use; the exchange engine serialises
// every call behind its own lock.
package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenex/pkg/app/core"
	"github.com/uhyunpark/tokenex/pkg/token"
)

type entryKey struct {
	asset   common.Address
	account common.Address
}

type Ledger struct {
	custody  common.Address
	balances map[entryKey]*uint256.Int
}

// New creates an empty ledger whose external holdings live in custody.
func New(custody common.Address) *Ledger {
	return &Ledger{
		custody:  custody,
		balances: make(map[entryKey]*uint256.Int),
	}
}

func (l *Ledger) Custody() common.Address { return l.custody }

// BalanceOf returns a copy of the entry, 0 if absent
func (l *Ledger) BalanceOf(account, asset common.Address) *uint256.Int {
	if b, ok := l.balances[entryKey{asset, account}]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (l *Ledger) set(k entryKey, v *uint256.Int) {
	if v.IsZero() {
		delete(l.balances, k)
		return
	}
	l.balances[k] = v
}

func (l *Ledger) Credit(account, asset common.Address, amount *uint256.Int) error {
	next, err := credited(l.BalanceOf(account, asset), amount)
	if err != nil {
		return err
	}
	l.set(entryKey{asset, account}, next)
	return nil
}

func (l *Ledger) Debit(account, asset common.Address, amount *uint256.Int) error {
	next, err := debited(l.BalanceOf(account, asset), amount)
	if err != nil {
		return err
	}
	l.set(entryKey{asset, account}, next)
	return nil
}

func credited(cur, amount *uint256.Int) (*uint256.Int, error) {
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return nil, fmt.Errorf("%w: balance overflow", core.ErrInvalidAmount)
	}
	return next, nil
}

func debited(cur, amount *uint256.Int) (*uint256.Int, error) {
	if cur.Lt(amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", core.ErrInsufficientBalance, cur.Dec(), amount.Dec())
	}
	return new(uint256.Int).Sub(cur, amount), nil
}

func positive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", core.ErrInvalidAmount)
	}
	return nil
}

// Deposit pulls amount of asset from account into custody, using the
// allowance account granted to the custody address, and credits it.
// Nothing is credited unless the external transfer succeeds. The custody
// account cannot deposit: its transfer to itself moves nothing.
func (l *Ledger) Deposit(account common.Address, asset token.Asset, amount *uint256.Int) (core.TransferEvent, error) {
	if err := positive(amount); err != nil {
		return core.TransferEvent{}, err
	}
	if account == l.custody {
		return core.TransferEvent{}, fmt.Errorf("%w: custody account cannot deposit", core.ErrTransferFailed)
	}
	addr := asset.Address()
	next, err := credited(l.BalanceOf(account, addr), amount)
	if err != nil {
		return core.TransferEvent{}, err
	}
	if err := asset.TransferFrom(l.custody, account, l.custody, amount); err != nil {
		return core.TransferEvent{}, fmt.Errorf("%w: %w", core.ErrTransferFailed, err)
	}
	l.set(entryKey{addr, account}, next)

	return core.TransferEvent{
		Token:   addr,
		User:    account,
		Amount:  new(uint256.Int).Set(amount),
		Balance: l.BalanceOf(account, addr),
	}, nil
}

// Withdraw debits account and pays amount out of custody. If the payout
// fails the debit is reverted. The custody account cannot withdraw.
func (l *Ledger) Withdraw(account common.Address, asset token.Asset, amount *uint256.Int) (core.TransferEvent, error) {
	if err := positive(amount); err != nil {
		return core.TransferEvent{}, err
	}
	if account == l.custody {
		return core.TransferEvent{}, fmt.Errorf("%w: custody account cannot withdraw", core.ErrTransferFailed)
	}
	addr := asset.Address()
	prev := l.BalanceOf(account, addr)
	if err := l.Debit(account, addr, amount); err != nil {
		return core.TransferEvent{}, err
	}
	if err := asset.Transfer(l.custody, account, amount); err != nil {
		l.set(entryKey{addr, account}, prev)
		return core.TransferEvent{}, fmt.Errorf("%w: %w", core.ErrTransferFailed, err)
	}

	return core.TransferEvent{
		Token:   addr,
		User:    account,
		Amount:  new(uint256.Int).Set(amount),
		Balance: l.BalanceOf(account, addr),
	}, nil
}

// Balances lists the non-zero entries of one account, ordered by asset
func (l *Ledger) Balances(account common.Address) []core.Balance {
	var out []core.Balance
	for k, v := range l.balances {
		if k.account == account {
			out = append(out, core.Balance{Asset: k.asset, Account: k.account, Amount: new(uint256.Int).Set(v)})
		}
	}
	sortBalances(out)
	return out
}

// Total sums every custodial entry of asset. It never exceeds the custody
// account's external balance of that asset.
func (l *Ledger) Total(asset common.Address) *uint256.Int {
	total := new(uint256.Int)
	for k, v := range l.balances {
		if k.asset == asset {
			total.Add(total, v)
		}
	}
	return total
}

// Entries returns every non-zero entry ordered by (asset, account)
func (l *Ledger) Entries() []core.Balance {
	out := make([]core.Balance, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, core.Balance{Asset: k.asset, Account: k.account, Amount: new(uint256.Int).Set(v)})
	}
	sortBalances(out)
	return out
}

func sortBalances(b []core.Balance) {
	sort.Slice(b, func(i, j int) bool {
		if c := bytes.Compare(b[i].Asset[:], b[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(b[i].Account[:], b[j].Account[:]) < 0
	})
}
