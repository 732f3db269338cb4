package softphone

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// CallState состояние звонка
type CallState string

const (
	CallStateNone      CallState = "none"
	CallStateCalling   CallState = "calling" // исходящий INVITE отправлен
	CallStateRinging   CallState = "ringing" // получен provisional ответ
	CallStateIncoming  CallState = "incoming"
	CallStateAccepting CallState = "accepting" // финальный успех, ждем подтверждения медиа
	CallStateConnected CallState = "connected"
	CallStateHolding   CallState = "holding"
	CallStateEnding    CallState = "ending"
	CallStateEnded     CallState = "ended"
	CallStateDeclined  CallState = "declined"
	CallStateError     CallState = "error"
)

func (s CallState) String() string { return string(s) }

// Terminal сообщает, является ли состояние финальным для CallSession.
// Новый звонок требует нового экземпляра CallSession.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateEnded, CallStateDeclined, CallStateError:
		return true
	}
	return false
}

// События машины звонка
const (
	callEventDial         = "dial"
	callEventProvisional  = "provisional"
	callEventRemoteAccept = "remote_accept"
	callEventInvite       = "invite"
	callEventLocalAccept  = "local_accept"
	callEventConfirm      = "confirm"
	callEventDecline      = "decline"
	callEventHold         = "hold"
	callEventResume       = "resume"
	callEventHangup       = "hangup"
	callEventRemoteReject = "remote_reject"
	callEventCancelled    = "cancelled"
	callEventFinalize     = "finalize"
	callEventFail         = "fail"
	callEventAbort        = "abort"
)

// callTransitionHook уведомляется о каждом совершенном переходе
type callTransitionHook func(from, to CallState, event string)

// callFSM машина состояний одного звонка поверх looplab/fsm.
//
// Граф переходов фиксирован: исходящий путь
// none→calling→ringing→accepting→connected, входящий
// none→incoming→accepting→connected, из connected hold/resume и
// завершение через ending. Недопустимое событие возвращает ошибку
// без смены состояния.
type callFSM struct {
	mu   sync.Mutex
	m    *fsm.FSM
	hook callTransitionHook
}

func newCallFSM(hook callTransitionHook) *callFSM {
	f := &callFSM{hook: hook}
	f.m = fsm.NewFSM(
		string(CallStateNone),
		fsm.Events{
			// Исходящий путь
			{Name: callEventDial, Src: []string{string(CallStateNone)}, Dst: string(CallStateCalling)},
			{Name: callEventProvisional, Src: []string{string(CallStateCalling)}, Dst: string(CallStateRinging)},
			{Name: callEventRemoteAccept, Src: []string{string(CallStateCalling), string(CallStateRinging)}, Dst: string(CallStateAccepting)},
			// Входящий путь
			{Name: callEventInvite, Src: []string{string(CallStateNone)}, Dst: string(CallStateIncoming)},
			{Name: callEventLocalAccept, Src: []string{string(CallStateIncoming)}, Dst: string(CallStateAccepting)},
			{Name: callEventDecline, Src: []string{string(CallStateIncoming)}, Dst: string(CallStateDeclined)},
			{Name: callEventCancelled, Src: []string{string(CallStateIncoming)}, Dst: string(CallStateEnded)},
			// Локальное подтверждение готовности медиа
			{Name: callEventConfirm, Src: []string{string(CallStateAccepting)}, Dst: string(CallStateConnected)},
			// Hold / resume
			{Name: callEventHold, Src: []string{string(CallStateConnected)}, Dst: string(CallStateHolding)},
			{Name: callEventResume, Src: []string{string(CallStateHolding)}, Dst: string(CallStateConnected)},
			// Завершение
			{Name: callEventHangup, Src: []string{
				string(CallStateCalling), string(CallStateRinging),
				string(CallStateConnected), string(CallStateHolding),
			}, Dst: string(CallStateEnding)},
			{Name: callEventRemoteReject, Src: []string{string(CallStateCalling), string(CallStateRinging)}, Dst: string(CallStateEnded)},
			{Name: callEventFinalize, Src: []string{string(CallStateEnding)}, Dst: string(CallStateEnded)},
			// Невосстановимая ошибка транспорта/аутентификации
			{Name: callEventFail, Src: []string{
				string(CallStateCalling), string(CallStateRinging),
				string(CallStateIncoming), string(CallStateAccepting),
				string(CallStateConnected), string(CallStateHolding),
				string(CallStateEnding),
			}, Dst: string(CallStateError)},
			{Name: callEventAbort, Src: []string{string(CallStateError)}, Dst: string(CallStateEnded)},
		},
		fsm.Callbacks{},
	)
	return f
}

// Fire применяет событие; недопустимый переход возвращает ошибку
// состояния без побочных эффектов.
//
// Хук вызывается после освобождения f.mu: State() берется под
// блокировкой сессии, и вызов хука под f.mu инвертировал бы порядок
// захвата.
func (f *callFSM) Fire(event string) error {
	f.mu.Lock()
	current := CallState(f.m.Current())
	if err := f.m.Event(context.Background(), event); err != nil {
		f.mu.Unlock()
		return ErrInvalidCallState(event, current).WithCause(err)
	}
	next := CallState(f.m.Current())
	f.mu.Unlock()

	if f.hook != nil && current != next {
		f.hook(current, next, event)
	}
	return nil
}

// Can проверяет допустимость события в текущем состоянии
func (f *callFSM) Can(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m.Can(event)
}

// State возвращает текущее состояние
func (f *callFSM) State() CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return CallState(f.m.Current())
}

// deriveEndReason выводит причину завершения из состояния, в котором
// звонок находился перед завершением
func deriveEndReason(stateBefore CallState, direction CallDirection) string {
	switch stateBefore {
	case CallStateCalling, CallStateRinging:
		if direction == DirectionIncoming {
			return "declined"
		}
		return "cancelled"
	case CallStateIncoming:
		return "declined"
	case CallStateConnected, CallStateHolding, CallStateEnding:
		return "hangup"
	case CallStateError:
		return "error"
	default:
		return "unknown"
	}
}
