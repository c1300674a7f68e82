package exchange

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// StateDigest hashes the full exchange state with Keccak256.
//
// Hashed in order:
//  1. order count (8 bytes, big-endian)
//  2. every order by id: id, status, creator, wanted asset and amount,
//     offered asset and amount
//  3. every non-zero balance sorted by (asset, account)
//
// Timestamps are left out so two engines fed the same operations agree.
func (e *Engine) StateDigest() common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := sha3.NewLegacyKeccak256()
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], e.book.Count())
	h.Write(buf[:])

	for _, o := range e.book.All() {
		binary.BigEndian.PutUint64(buf[:], o.ID)
		h.Write(buf[:])
		h.Write([]byte{byte(o.Status)})
		h.Write(o.Creator[:])
		h.Write(o.AssetWanted[:])
		amt := o.AmountWanted.Bytes32()
		h.Write(amt[:])
		h.Write(o.AssetOffered[:])
		amt = o.AmountOffered.Bytes32()
		h.Write(amt[:])
	}

	for _, b := range e.ledger.Entries() {
		h.Write(b.Asset[:])
		h.Write(b.Account[:])
		amt := b.Amount.Bytes32()
		h.Write(amt[:])
	}

	return common.BytesToHash(h.Sum(nil))
}
