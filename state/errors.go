package state

import (
	"errors"
	"fmt"

	"github.com/TEENet-io/bridge-relay/agreement"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid outcome transition")
	ErrCursorBackwards   = errors.New("cursor cannot move backwards")
	ErrInvalidEvent      = errors.New("invalid transfer event")
)

func ErrRecordNotFound(id ethcommon.Hash) error {
	return fmt.Errorf("%w: correlationId=%s", ErrNotFound, id.Hex())
}

func ErrTransition(id ethcommon.Hash, from, to agreement.Outcome) error {
	return fmt.Errorf("%w: correlationId=%s, from=%s, to=%s", ErrInvalidTransition, id.Hex(), from, to)
}

func ErrCursorRewind(chain string, stored, proposed uint64) error {
	return fmt.Errorf("%w: chain=%s, stored=%d, proposed=%d", ErrCursorBackwards, chain, stored, proposed)
}

// ValidateEvent rejects events that cannot be stored or completed.
func ValidateEvent(ev *agreement.TransferEvent) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil", ErrInvalidEvent)
	case !ev.Kind.Valid():
		return fmt.Errorf("%w: kind=%q", ErrInvalidEvent, ev.Kind)
	case ev.CorrelationId == (ethcommon.Hash{}):
		return fmt.Errorf("%w: zero correlationId", ErrInvalidEvent)
	case ev.Amount == nil || ev.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount=%v", ErrInvalidEvent, ev.Amount)
	}
	return nil
}
