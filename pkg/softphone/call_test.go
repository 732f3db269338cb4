package softphone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transitionRecorder собирает переходы машины для проверки порядка
type transitionRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *transitionRecorder) callHook(from, to CallState, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

func (r *transitionRecorder) regHook(from, to RegistrationState, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

func (r *transitionRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

// TestCallFSMOutgoingPath исходящий звонок проходит
// none→calling→ringing→accepting→connected
func TestCallFSMOutgoingPath(t *testing.T) {
	rec := &transitionRecorder{}
	f := newCallFSM(rec.callHook)

	assert.Equal(t, CallStateNone, f.State())
	require.NoError(t, f.Fire(callEventDial))
	require.NoError(t, f.Fire(callEventProvisional))
	require.NoError(t, f.Fire(callEventRemoteAccept))
	require.NoError(t, f.Fire(callEventConfirm))
	assert.Equal(t, CallStateConnected, f.State())

	assert.Equal(t, []string{
		"none->calling",
		"calling->ringing",
		"ringing->accepting",
		"accepting->connected",
	}, rec.snapshot())
}

// TestCallFSMOutgoingWithoutProvisional сервер может ответить 200
// сразу, без ringing
func TestCallFSMOutgoingWithoutProvisional(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventDial))
	require.NoError(t, f.Fire(callEventRemoteAccept))
	assert.Equal(t, CallStateAccepting, f.State())
}

func TestCallFSMIncomingAccept(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventInvite))
	assert.Equal(t, CallStateIncoming, f.State())
	require.NoError(t, f.Fire(callEventLocalAccept))
	require.NoError(t, f.Fire(callEventConfirm))
	assert.Equal(t, CallStateConnected, f.State())
}

func TestCallFSMIncomingDecline(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventInvite))
	require.NoError(t, f.Fire(callEventDecline))
	assert.Equal(t, CallStateDeclined, f.State())
	assert.True(t, f.State().Terminal())
}

func TestCallFSMIncomingCancelled(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventInvite))
	require.NoError(t, f.Fire(callEventCancelled))
	assert.Equal(t, CallStateEnded, f.State())
}

func TestCallFSMHoldResume(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventDial))
	require.NoError(t, f.Fire(callEventRemoteAccept))
	require.NoError(t, f.Fire(callEventConfirm))

	require.NoError(t, f.Fire(callEventHold))
	assert.Equal(t, CallStateHolding, f.State())

	// Повторный hold недопустим.
	require.Error(t, f.Fire(callEventHold))
	assert.Equal(t, CallStateHolding, f.State(), "состояние не меняется при отвергнутом событии")

	require.NoError(t, f.Fire(callEventResume))
	assert.Equal(t, CallStateConnected, f.State())
}

func TestCallFSMHangupFromHolding(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventDial))
	require.NoError(t, f.Fire(callEventRemoteAccept))
	require.NoError(t, f.Fire(callEventConfirm))
	require.NoError(t, f.Fire(callEventHold))

	require.NoError(t, f.Fire(callEventHangup))
	assert.Equal(t, CallStateEnding, f.State())
	require.NoError(t, f.Fire(callEventFinalize))
	assert.Equal(t, CallStateEnded, f.State())
}

func TestCallFSMRemoteReject(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventDial))
	require.NoError(t, f.Fire(callEventProvisional))
	require.NoError(t, f.Fire(callEventRemoteReject))
	assert.Equal(t, CallStateEnded, f.State())
}

func TestCallFSMFailAbort(t *testing.T) {
	f := newCallFSM(nil)
	require.NoError(t, f.Fire(callEventDial))
	require.NoError(t, f.Fire(callEventFail))
	assert.Equal(t, CallStateError, f.State())
	assert.True(t, f.State().Terminal())
	require.NoError(t, f.Fire(callEventAbort))
	assert.Equal(t, CallStateEnded, f.State())
}

// TestCallFSMIllegalTransitions недопустимые события возвращают
// структурную ошибку состояния
func TestCallFSMIllegalTransitions(t *testing.T) {
	f := newCallFSM(nil)

	err := f.Fire(callEventConfirm)
	require.Error(t, err)
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "INVALID_CALL_STATE", engineErr.Code)
	assert.Equal(t, CallStateNone, f.State())

	// Из терминального состояния пути нет.
	require.NoError(t, f.Fire(callEventInvite))
	require.NoError(t, f.Fire(callEventDecline))
	require.Error(t, f.Fire(callEventLocalAccept))
	require.Error(t, f.Fire(callEventDial))
}

func TestCallFSMCan(t *testing.T) {
	f := newCallFSM(nil)
	assert.True(t, f.Can(callEventDial))
	assert.True(t, f.Can(callEventInvite))
	assert.False(t, f.Can(callEventHold))
	assert.False(t, f.Can(callEventConfirm))
}

func TestCallStateTerminal(t *testing.T) {
	assert.True(t, CallStateEnded.Terminal())
	assert.True(t, CallStateDeclined.Terminal())
	assert.True(t, CallStateError.Terminal())
	assert.False(t, CallStateConnected.Terminal())
	assert.False(t, CallStateEnding.Terminal())
	assert.False(t, CallStateNone.Terminal())
}

func TestDeriveEndReason(t *testing.T) {
	cases := []struct {
		state     CallState
		direction CallDirection
		want      string
	}{
		{CallStateCalling, DirectionOutgoing, "cancelled"},
		{CallStateRinging, DirectionOutgoing, "cancelled"},
		{CallStateIncoming, DirectionIncoming, "declined"},
		{CallStateConnected, DirectionOutgoing, "hangup"},
		{CallStateHolding, DirectionIncoming, "hangup"},
		{CallStateEnding, DirectionOutgoing, "hangup"},
		{CallStateError, DirectionOutgoing, "error"},
		{CallStateNone, DirectionOutgoing, "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, deriveEndReason(tc.state, tc.direction),
			"состояние %s", tc.state)
	}
}
