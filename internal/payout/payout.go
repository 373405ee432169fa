// Package payout moves value in and out of the escrow vault.
package payout

import (
	"errors"
)

var (
	ErrInvalidConfig       = errors.New("payout: invalid config")
	ErrInsufficientBalance = errors.New("payout: insufficient balance")
	ErrOverflow            = errors.New("payout: balance overflow")
)
