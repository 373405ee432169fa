package idempotency

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const payoutPrefixV1 = "DEPOSITHOLDER_PAYOUT_V1"

// PayoutIDV1 computes the payout instruction id:
//
//	keccak256(prefix || owner || kind || sequenceBE32 || to || amountBE32)
//
// Consumers use it to drop redelivered instructions.
func PayoutIDV1(owner common.Address, kind string, sequence *uint256.Int, to common.Address, amount *uint256.Int) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(payoutPrefixV1))
	_, _ = h.Write(owner[:])
	_, _ = h.Write([]byte(kind))
	seq := sequence.Bytes32()
	_, _ = h.Write(seq[:])
	_, _ = h.Write(to[:])
	amt := amount.Bytes32()
	_, _ = h.Write(amt[:])
	return common.BytesToHash(h.Sum(nil))
}
