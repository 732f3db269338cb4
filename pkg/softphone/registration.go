package softphone

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// RegistrationState состояние регистрации аккаунта
type RegistrationState string

const (
	RegistrationNone       RegistrationState = "none"
	RegistrationInProgress RegistrationState = "in_progress"
	RegistrationOk         RegistrationState = "ok"
	RegistrationFailed     RegistrationState = "failed"
	RegistrationCleared    RegistrationState = "cleared"
)

func (s RegistrationState) String() string { return string(s) }

// События машины регистрации
const (
	regEventRegister = "register"
	regEventRenew    = "renew"
	regEventAccept   = "accept"
	regEventReject   = "reject"
	regEventClear    = "clear"
	// connection_lost: обрыв транспорта сбрасывает состояние в none,
	// после переподключения регистрация переотправляется
	regEventConnectionLost = "connection_lost"
)

// regTransitionHook уведомляется о каждом совершенном переходе
type regTransitionHook func(from, to RegistrationState, event string)

// Registration машина состояний регистрации одного аккаунта.
//
// Допустимые переходы: none→in_progress→{ok,failed},
// ok→in_progress (продление), любое→cleared (явная отмена),
// {ok,in_progress,failed}→none (обрыв транспорта).
type Registration struct {
	mu   sync.Mutex
	m    *fsm.FSM
	hook regTransitionHook

	// renewTimer взводится при входе в ok на lease - margin
	renewTimer *time.Timer
}

func newRegistration(hook regTransitionHook) *Registration {
	r := &Registration{hook: hook}
	r.m = fsm.NewFSM(
		string(RegistrationNone),
		fsm.Events{
			{Name: regEventRegister, Src: []string{
				string(RegistrationNone), string(RegistrationFailed), string(RegistrationCleared),
			}, Dst: string(RegistrationInProgress)},
			{Name: regEventRenew, Src: []string{string(RegistrationOk)}, Dst: string(RegistrationInProgress)},
			{Name: regEventAccept, Src: []string{string(RegistrationInProgress)}, Dst: string(RegistrationOk)},
			{Name: regEventReject, Src: []string{string(RegistrationInProgress)}, Dst: string(RegistrationFailed)},
			{Name: regEventClear, Src: []string{
				string(RegistrationNone), string(RegistrationInProgress),
				string(RegistrationOk), string(RegistrationFailed),
			}, Dst: string(RegistrationCleared)},
			{Name: regEventConnectionLost, Src: []string{
				string(RegistrationInProgress), string(RegistrationOk), string(RegistrationFailed),
			}, Dst: string(RegistrationNone)},
		},
		fsm.Callbacks{},
	)
	return r
}

// Fire применяет событие; недопустимый переход возвращает ошибку
// состояния без смены состояния.
//
// Хук вызывается после освобождения r.mu: он берет блокировку
// сессии, а State() вызывается под блокировкой сессии — вызов хука
// под r.mu инвертировал бы порядок захвата.
func (r *Registration) Fire(event string) error {
	r.mu.Lock()
	current := RegistrationState(r.m.Current())
	if err := r.m.Event(context.Background(), event); err != nil {
		r.mu.Unlock()
		return ErrInvalidRegistrationState(event, current).WithCause(err)
	}
	next := RegistrationState(r.m.Current())
	r.mu.Unlock()

	if r.hook != nil && current != next {
		r.hook(current, next, event)
	}
	return nil
}

// Can проверяет допустимость события
func (r *Registration) Can(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.Can(event)
}

// State возвращает текущее состояние
func (r *Registration) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistrationState(r.m.Current())
}

// armRenewal взводит таймер продления; предыдущий таймер снимается
func (r *Registration) armRenewal(d time.Duration, renew func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renewTimer != nil {
		r.renewTimer.Stop()
	}
	r.renewTimer = time.AfterFunc(d, renew)
}

// stopRenewal снимает таймер продления
func (r *Registration) stopRenewal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renewTimer != nil {
		r.renewTimer.Stop()
		r.renewTimer = nil
	}
}
