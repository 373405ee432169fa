package escrow

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/depositholder/internal/identity"
)

const (
	EventDepositedV1 = "escrow.deposited.v1"
	EventDisbursedV1 = "escrow.disbursed.v1"
	EventWithdrawnV1 = "escrow.withdrawn.v1"
)

// Event is the JSON payload published after a committed mutation. Amounts are
// decimal strings.
type Event struct {
	Version string    `json:"version"`
	At      time.Time `json:"at"`
	Now     uint64    `json:"now"`

	Keys         []identity.Key `json:"keys,omitempty"`
	AmountPerKey string         `json:"amountPerKey,omitempty"`
	MaturesAt    uint64         `json:"maturesAt,omitempty"`

	Recipient *common.Address `json:"recipient,omitempty"`
	Amount    string          `json:"amount,omitempty"`

	Drained         int    `json:"drained,omitempty"`
	DrainedDeposits uint64 `json:"drainedDeposits,omitempty"`
	Nominal         string `json:"nominal,omitempty"`

	DepositCount uint64 `json:"depositCount"`
	Pooled       string `json:"pooled"`
	PaidOut      string `json:"paidOut"`
}

func newEvent(version string, now uint64, m Meta) Event {
	return Event{
		Version:      version,
		At:           time.Now().UTC(),
		Now:          now,
		DepositCount: m.DepositCount,
		Pooled:       m.Pooled.Dec(),
		PaidOut:      m.PaidOut.Dec(),
	}
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}
