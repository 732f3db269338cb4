// Package event определяет закрытый набор событий движка и диспетчер
// для их доставки наблюдателям приложения.
package event

import (
	"fmt"
	"time"
)

// Kind тип события. Набор закрытый: новые варианты добавляются только
// вместе с полезной нагрузкой ниже.
type Kind int

const (
	KindRegistrationChanged Kind = iota
	KindCallStateChanged
	KindIncomingCall
	KindCallConnected
	KindCallEnded
	KindTransportStateChanged
	KindAuthFailure
	KindError
)

var kindNames = map[Kind]string{
	KindRegistrationChanged:   "registration_changed",
	KindCallStateChanged:      "call_state_changed",
	KindIncomingCall:          "incoming_call",
	KindCallConnected:         "call_connected",
	KindCallEnded:             "call_ended",
	KindTransportStateChanged: "transport_state_changed",
	KindAuthFailure:           "auth_failure",
	KindError:                 "error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event неизменяемый снимок состояния на момент эмиссии. Наблюдатели
// никогда не получают разделяемых изменяемых ссылок.
type Event struct {
	Kind    Kind
	Time    time.Time
	Account string // идентификатор аккаунта (user@domain)

	Registration *RegistrationInfo
	Call         *CallInfo
	Transport    *TransportInfo
	Failure      *FailureInfo
}

// RegistrationInfo нагрузка событий регистрации
type RegistrationInfo struct {
	State    string // новое состояние регистрации
	Previous string // предыдущее состояние
	Reason   string // причина для failed
}

// CallInfo нагрузка событий звонка
type CallInfo struct {
	CallID    string
	State     string // новое состояние звонка
	Previous  string // предыдущее состояние
	Direction string // outgoing / incoming
	Remote    string // удаленный абонент
	SetupTime time.Duration // время установления для call_connected
	EndReason string        // причина завершения для call_ended
}

// TransportInfo нагрузка транспортных событий
type TransportInfo struct {
	State string
	Error string
}

// FailureInfo нагрузка событий ошибок
type FailureInfo struct {
	Code     string // стабильный код ошибки
	Category string
	Reason   string // человекочитаемая причина
}

func (e Event) String() string {
	switch {
	case e.Call != nil:
		return fmt.Sprintf("%s{account: %s, call: %s, state: %s}",
			e.Kind, e.Account, e.Call.CallID, e.Call.State)
	case e.Registration != nil:
		return fmt.Sprintf("%s{account: %s, state: %s}",
			e.Kind, e.Account, e.Registration.State)
	default:
		return fmt.Sprintf("%s{account: %s}", e.Kind, e.Account)
	}
}

// Observer принимает события движка. Единственная точка входа вместо
// многометодного интерфейса слушателя.
type Observer interface {
	HandleEvent(Event)
}

// ObserverFunc адаптер функции к интерфейсу Observer
type ObserverFunc func(Event)

func (f ObserverFunc) HandleEvent(e Event) { f(e) }
