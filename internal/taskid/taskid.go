// Package taskid derives task identifiers from public deal data.
//
// A task id is keccak256(dealId ‖ uint256(index)), so any party holding a deal
// id can compute it offline. Observers use this to resume after a restart
// without querying the deal.
package taskid

import (
	"encoding/binary"
	"errors"

	"marketrun/internal/market"
)

// Derive returns the id of task index within the deal.
func Derive(dealID string, index uint64) (market.Hash, error) {
	deal, err := market.ParseHash(dealID)
	if err != nil {
		return market.Hash{}, &market.DealIDError{DealID: dealID, Err: err}
	}
	if deal.IsZero() {
		return market.Hash{}, &market.DealIDError{DealID: dealID, Err: errZeroDeal}
	}
	return FromDeal(deal, index), nil
}

// FromDeal is Derive for an already parsed deal id.
func FromDeal(deal market.Hash, index uint64) market.Hash {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], index)
	return market.Keccak256(deal[:], word[:])
}

var errZeroDeal = errors.New("zero deal id")
