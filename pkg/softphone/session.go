package softphone

import (
	"fmt"
	"sync"
	"time"

	"github.com/eddyslarez/sip-library-sub000/pkg/sip/message"
	"github.com/eddyslarez/sip-library-sub000/pkg/transport"
)

// CallDirection направление звонка
type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// AccountSession живое состояние одного зарегистрированного аккаунта.
//
// Сессией монопольно владеет Registry; вся мутация идет через машины
// состояний, никогда напрямую из приложения. Блокировка mu привязана
// к сессии: независимые аккаунты не мешают друг другу.
type AccountSession struct {
	id          string // user@domain
	username    string
	domain      string
	displayName string
	creds       message.Credentials

	mu sync.Mutex

	transport transport.Transport

	// Счетчик CSeq, строго возрастающий на время жизни сессии.
	// Сбрасывается только при повторной регистрации из cleared.
	cseq uint32

	// Состояние аутентификации
	challenge    *message.Challenge
	authAttempts int

	// Регистрация
	registration  *Registration
	regCallID     string
	localTag      string
	leaseExpiry   time.Time
	regTimer      *time.Timer   // таймаут ожидания ответа на REGISTER
	regFailReason string        // причина для события failed
	pendingExpiry time.Duration // expiry повторяемого запроса

	// Не более одного живого звонка на аккаунт
	call *CallSession

	dtmf *DTMFDispatcher

	userAgent     string
	customHeaders map[string]string
	push          *message.PushParams

	// wantRegistered: после обрыва транспорта регистрация
	// восстанавливается автоматически
	wantRegistered bool

	accountURI *message.URI
	contactURI *message.URI
}

// ID возвращает идентификатор аккаунта (user@domain)
func (s *AccountSession) ID() string { return s.id }

// Username возвращает имя пользователя
func (s *AccountSession) Username() string { return s.username }

// Domain возвращает домен
func (s *AccountSession) Domain() string { return s.domain }

// Transport возвращает транспорт сессии
func (s *AccountSession) Transport() transport.Transport { return s.transport }

// RegistrationState возвращает текущее состояние регистрации
func (s *AccountSession) RegistrationState() RegistrationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registration.State()
}

// ActiveCall возвращает живой звонок или nil
func (s *AccountSession) ActiveCall() *CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil && s.call.Terminal() {
		return nil
	}
	return s.call
}

// nextCSeq выдает следующий номер последовательности.
// Вызывается под s.mu.
func (s *AccountSession) nextCSeq() uint32 {
	s.cseq++
	return s.cseq
}

// resetCSeq сбрасывает счетчик; допускается только при повторной
// регистрации из cleared. Вызывается под s.mu.
func (s *AccountSession) resetCSeq() {
	s.cseq = 0
}

// CSeq возвращает последний выданный номер
func (s *AccountSession) CSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cseq
}

// CallSession состояние одного звонка внутри сессии. Создается при
// исходящем наборе или входящем INVITE; после терминального состояния
// экземпляр не переиспользуется.
type CallSession struct {
	ID        string // Call-ID
	Direction CallDirection

	LocalTag  string
	RemoteTag string

	LocalSDP  string
	RemoteSDP string

	OnHold bool

	StartedAt   time.Time
	ConnectedAt time.Time

	// LastCSeq номер последнего запроса, отправленного в этом звонке
	LastCSeq uint32

	Remote        *message.URI
	RemoteDisplay string

	fsm *callFSM

	// invite хранится для входящих звонков, чтобы ответить на него
	invite       *message.Request
	inviteBranch string

	timeoutTimer *time.Timer
	finished     bool
	endReason    string
}

// State возвращает текущее состояние звонка
func (c *CallSession) State() CallState {
	return c.fsm.State()
}

// Terminal сообщает, достиг ли звонок терминального состояния
func (c *CallSession) Terminal() bool {
	return c.fsm.State().Terminal()
}

// EndReason возвращает производную причину завершения
func (c *CallSession) EndReason() string {
	return c.endReason
}

// CallStats снимок статистики завершенного звонка, передаваемый
// приемнику приложения при разборе CallSession
type CallStats struct {
	CallID      string
	Account     string
	Direction   CallDirection
	Remote      string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   string
}

// Duration длительность разговора (0, если не соединился)
func (cs CallStats) Duration() time.Duration {
	if cs.ConnectedAt.IsZero() {
		return 0
	}
	return cs.EndedAt.Sub(cs.ConnectedAt)
}

// CallStatsSink приемник статистики завершенных звонков
type CallStatsSink interface {
	OnCallStats(stats CallStats)
}

// Registry реестр сессий аккаунтов. Поиск безопасен конкурентно;
// мутация конкретной сессии сериализуется ее собственной блокировкой.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*AccountSession
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*AccountSession),
	}
}

// Create создает сессию аккаунта. Повторное создание существующего
// аккаунта возвращает ошибку.
func (r *Registry) Create(username, domain string, creds message.Credentials) (*AccountSession, error) {
	id := fmt.Sprintf("%s@%s", username, domain)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, newError("ACCOUNT_EXISTS",
			fmt.Sprintf("аккаунт %s уже создан", id), ErrorCategoryState)
	}

	s := &AccountSession{
		id:       id,
		username: username,
		domain:   domain,
		creds:    creds,
	}
	r.sessions[id] = s
	return s, nil
}

// Get возвращает сессию аккаунта
func (r *Registry) Get(accountID string) (*AccountSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[accountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return s, nil
}

// Remove удаляет сессию из реестра
func (r *Registry) Remove(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[accountID]; !ok {
		return ErrUnknownAccount
	}
	delete(r.sessions, accountID)
	return nil
}

// All возвращает снимок всех сессий
func (r *Registry) All() []*AccountSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AccountSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len возвращает число сессий
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
