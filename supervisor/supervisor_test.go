package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconnector struct {
	mu    sync.Mutex
	calls int
	errs  []error // error of the n-th call, nil beyond the list
}

func (r *fakeReconnector) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.calls
	r.calls++
	if n < len(r.errs) {
		return r.errs[n]
	}
	return nil
}

func (r *fakeReconnector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type codeError struct{ code int }

func (e codeError) Error() string  { return "rpc failure" }
func (e codeError) ErrorCode() int { return e.code }

func newSupervisor(t *testing.T, rc Reconnector) *Supervisor {
	s := New(&Config{
		TransientBudget:      3,
		ReconnectBackoff:     time.Millisecond,
		MaxReconnectBackoff:  2 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, s.Register("chainA", rc))
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{fmt.Errorf("wrap: %w", agreement.ErrFatalConfiguration), Fatal},
		{agreement.ErrChainIDUnmatched("chainA", 1, 2), Fatal},
		{fmt.Errorf("%w: filter not found", agreement.ErrStaleSubscription), Stale},
		{fmt.Errorf("%w: dial", agreement.ErrTransientNetwork), Transient},
		{context.DeadlineExceeded, Transient},
		{codeError{-32601}, Fatal},
		{codeError{-32000}, Transient},
		{errors.New("json-rpc error -32602: invalid params"), Fatal},
		{errors.New("filter not found"), Stale},
		{errors.New("Filter expired"), Stale},
		{errors.New("429 Too Many Requests"), Transient},
		{errors.New("502 Bad Gateway"), Transient},
		{io.EOF, Transient},
		{errors.New("something odd"), Transient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestTransientBudget(t *testing.T) {
	ctx := context.Background()
	rc := &fakeReconnector{}
	s := newSupervisor(t, rc)
	netErr := fmt.Errorf("%w: connection refused", agreement.ErrTransientNetwork)

	assert.NoError(t, s.HandleFailure(ctx, "chainA", netErr))
	assert.NoError(t, s.HandleFailure(ctx, "chainA", netErr))
	assert.Equal(t, 0, rc.count())

	// success resets the budget
	s.ReportSuccess("chainA")
	assert.NoError(t, s.HandleFailure(ctx, "chainA", netErr))
	assert.NoError(t, s.HandleFailure(ctx, "chainA", netErr))
	assert.Equal(t, 0, rc.count())

	// third in a row reconnects
	assert.NoError(t, s.HandleFailure(ctx, "chainA", netErr))
	assert.Equal(t, 1, rc.count())
	assert.Equal(t, Connected, s.State("chainA"))

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, 0, st[0].Failures)
	assert.Equal(t, 1, st[0].Reconnects)
}

func TestStaleReconnectsImmediately(t *testing.T) {
	rc := &fakeReconnector{errs: []error{errors.New("dial tcp: connection refused")}}
	s := newSupervisor(t, rc)

	err := s.HandleFailure(context.Background(), "chainA", fmt.Errorf("%w: filter not found", agreement.ErrStaleSubscription))
	assert.NoError(t, err)
	assert.Equal(t, 2, rc.count())
	assert.Equal(t, Connected, s.State("chainA"))
}

func TestFatalStopsLedger(t *testing.T) {
	rc := &fakeReconnector{}
	s := newSupervisor(t, rc)

	err := s.HandleFailure(context.Background(), "chainA", agreement.ErrChainIDUnmatched("chainA", 1, 2))
	assert.ErrorIs(t, err, ErrLedgerStopped)
	assert.ErrorIs(t, err, agreement.ErrFatalConfiguration)
	assert.Equal(t, Stopped, s.State("chainA"))
	assert.Equal(t, 0, rc.count())

	// terminal
	err = s.HandleFailure(context.Background(), "chainA", io.EOF)
	assert.ErrorIs(t, err, ErrLedgerStopped)
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	dialErr := errors.New("dial tcp: i/o timeout")
	rc := &fakeReconnector{errs: []error{dialErr, dialErr, dialErr}}
	s := newSupervisor(t, rc)

	err := s.HandleFailure(context.Background(), "chainA", agreement.ErrStaleSubscription)
	assert.ErrorIs(t, err, ErrLedgerStopped)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 3, rc.count())
	assert.Equal(t, Stopped, s.State("chainA"))
	assert.Equal(t, dialErr.Error(), s.Status()[0].LastError)
}

func TestFatalReconnectStops(t *testing.T) {
	rc := &fakeReconnector{errs: []error{agreement.ErrNoContractCode("chainA", "bridge", "0x01")}}
	s := newSupervisor(t, rc)

	err := s.HandleFailure(context.Background(), "chainA", agreement.ErrStaleSubscription)
	assert.ErrorIs(t, err, agreement.ErrFatalConfiguration)
	assert.Equal(t, 1, rc.count())
	assert.Equal(t, Stopped, s.State("chainA"))
}

func TestReconnectInterrupted(t *testing.T) {
	s := New(&Config{ReconnectBackoff: time.Hour})
	rc := &fakeReconnector{}
	require.NoError(t, s.Register("chainA", rc))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.HandleFailure(ctx, "chainA", agreement.ErrStaleSubscription)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rc.count())
	assert.Equal(t, Connected, s.State("chainA"))
}

func TestRegisterAndUnknown(t *testing.T) {
	s := newSupervisor(t, &fakeReconnector{})
	assert.ErrorIs(t, s.Register("chainA", &fakeReconnector{}), ErrDuplicateLedger)
	assert.ErrorIs(t, s.HandleFailure(context.Background(), "chainX", io.EOF), ErrUnknownLedger)
	assert.Equal(t, State(""), s.State("chainX"))

	s.Stop("chainA")
	assert.Equal(t, Stopped, s.State("chainA"))
}

func TestPreventiveReconnect(t *testing.T) {
	s := New(&Config{
		ReconnectBackoff:            time.Millisecond,
		PreventiveReconnectInterval: 5 * time.Millisecond,
	})
	rcA, rcB := &fakeReconnector{}, &fakeReconnector{}
	require.NoError(t, s.Register("chainA", rcA))
	require.NoError(t, s.Register("chainB", rcB))
	s.Stop("chainB")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rcA.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 0, rcB.count())
	assert.Equal(t, Connected, s.State("chainA"))
}
