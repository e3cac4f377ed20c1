package supervisor

import (
	"context"
	"errors"
	"strings"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorClass determines how a failed poll is handled.
type ErrorClass int

const (
	Transient ErrorClass = iota // retry on the next tick, reconnect once the budget is spent
	Stale                       // reconnect right away
	Fatal                       // stop the ledger
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Stale:
		return "stale"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
var fatalRPCCodes = []int{-32700, -32600, -32601, -32602}

// Classify determines the class of a chain access error.
func Classify(err error) ErrorClass {
	if err == nil {
		return Transient
	}

	switch {
	case errors.Is(err, agreement.ErrFatalConfiguration):
		return Fatal
	case errors.Is(err, agreement.ErrStaleSubscription):
		return Stale
	case errors.Is(err, agreement.ErrTransientNetwork),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		for _, code := range fatalRPCCodes {
			if rpcErr.ErrorCode() == code {
				return Fatal
			}
		}
	}

	s := err.Error()
	sLower := strings.ToLower(s)

	for _, code := range []string{"-32700", "-32600", "-32601", "-32602"} {
		if strings.Contains(s, code) {
			return Fatal
		}
	}
	if strings.Contains(sLower, "chain id mismatch") {
		return Fatal
	}

	if strings.Contains(sLower, "filter not found") ||
		strings.Contains(sLower, "filter expired") ||
		strings.Contains(sLower, "subscription not found") {
		return Stale
	}

	// Network, 5xx, 429 and anything unknown
	return Transient
}
