package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allApprovalStates = []ApprovalState{
	ApprovalPendingConfirm,
	ApprovalPendingSecret,
	ApprovalGranted,
	ApprovalDenied,
	ApprovalExpired,
}

func newRequest() *ApprovalRequest {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &ApprovalRequest{
		ID:        "req-1",
		SkillID:   "mailer",
		Requester: "alice",
		State:     ApprovalPendingConfirm,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestApprovalHappyPath(t *testing.T) {
	req := newRequest()
	at := req.CreatedAt.Add(time.Second)

	require.NoError(t, req.Transition(ApprovalPendingSecret, at, at.Add(time.Minute), ""))
	assert.Equal(t, at.Add(time.Minute), req.ExpiresAt)
	assert.Nil(t, req.ResolvedAt)

	require.NoError(t, req.Transition(ApprovalGranted, at, time.Time{}, "secret verified"))
	require.NotNil(t, req.ResolvedAt)
	assert.Equal(t, "secret verified", req.Resolution)
}

func TestApprovalCannotSkipConfirm(t *testing.T) {
	req := newRequest()
	err := req.Transition(ApprovalGranted, time.Now(), time.Time{}, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ApprovalPendingConfirm, req.State)
}

func TestApprovalTerminalStatesAreClosed(t *testing.T) {
	for _, terminal := range []ApprovalState{ApprovalGranted, ApprovalDenied, ApprovalExpired} {
		for _, next := range allApprovalStates {
			req := newRequest()
			req.State = terminal
			err := req.Transition(next, time.Now(), time.Time{}, "")
			assert.ErrorIs(t, err, ErrApprovalAlreadyResolved, "%s -> %s", terminal, next)
			assert.Equal(t, terminal, req.State)
		}
	}
}

// Любая последовательность попыток переходов: после конечного состояния
// запрос больше не меняется.
func TestApprovalTransitionsAreMonotonic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("terminal state never reopens", prop.ForAll(
		func(steps []int) bool {
			req := newRequest()
			var terminal ApprovalState
			for _, idx := range steps {
				next := allApprovalStates[idx]
				err := req.Transition(next, time.Now(), time.Now().Add(time.Minute), "")
				if terminal != "" {
					if !errors.Is(err, ErrApprovalAlreadyResolved) || req.State != terminal {
						return false
					}
					continue
				}
				if req.State.Terminal() {
					terminal = req.State
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allApprovalStates)-1)),
	))

	properties.TestingRun(t)
}

func TestCloneIsolatesCallers(t *testing.T) {
	req := newRequest()
	req.Capabilities = NewCapabilitySet(CapSendMessage)
	cp := req.Clone()
	cp.Capabilities[CapNetworkCall] = struct{}{}
	cp.State = ApprovalGranted

	assert.False(t, req.Capabilities.Contains(CapNetworkCall))
	assert.Equal(t, ApprovalPendingConfirm, req.State)
}
