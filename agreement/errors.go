package agreement

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the binding, the supervisor and the executor.
// A DuplicateEvent is not an error: it is the AlreadyProcessed admission.
var (
	ErrTransientNetwork   = errors.New("transient network failure")
	ErrStaleSubscription  = errors.New("stale log filter")
	ErrSubmissionFailure  = errors.New("completion submission failed")
	ErrFatalConfiguration = errors.New("fatal configuration")
)

func ErrChainIDUnmatched(chain string, expected, actual uint64) error {
	return fmt.Errorf("%w: chain %s id mismatch: expected=%d, actual=%d",
		ErrFatalConfiguration, chain, expected, actual)
}

func ErrNoContractCode(chain, what, addr string) error {
	return fmt.Errorf("%w: chain %s %s address %s has no contract code",
		ErrFatalConfiguration, chain, what, addr)
}
