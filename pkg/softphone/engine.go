// Package softphone реализует клиентский движок сигнализации:
// регистрация аккаунтов через challenge-response аутентификацию,
// установление и управление звонками (hold/resume, DTMF) и
// восстановление после обрывов транспорта.
//
// Движок создается явно через New и передается потребителям;
// глобального состояния нет. Все операции неблокирующие: результат
// доставляется событиями через Subscribe.
package softphone

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eddyslarez/sip-library-sub000/pkg/event"
	"github.com/eddyslarez/sip-library-sub000/pkg/media"
	"github.com/eddyslarez/sip-library-sub000/pkg/sip/message"
	"github.com/eddyslarez/sip-library-sub000/pkg/transport"
)

// TransportDialer устанавливает транспортное соединение. Подменяется
// в тестах на in-memory реализацию.
type TransportDialer func(ctx context.Context, opts transport.Options) (transport.Transport, error)

// Engine ядро движка: маршрутизирует вызовы приложения к машинам
// состояний и демультиплексирует входящие сообщения по Call-ID.
type Engine struct {
	config   Config
	registry *Registry
	events   *event.Dispatcher
	media    media.Engine
	logger   StructuredLogger
	metrics  *Metrics
	parser   *message.Parser

	dialTransport TransportDialer
	statsSink     CallStatsSink

	push   *message.PushParams
	pushMu sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	disposed atomic.Bool
}

// Option настройка движка при создании
type Option func(*Engine)

// WithMediaEngine задает внешний медиа-движок
func WithMediaEngine(m media.Engine) Option {
	return func(e *Engine) { e.media = m }
}

// WithLogger задает логгер
func WithLogger(l StructuredLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTransportDialer подменяет установку транспорта (для тестов)
func WithTransportDialer(d TransportDialer) Option {
	return func(e *Engine) { e.dialTransport = d }
}

// WithStatsSink задает приемник статистики завершенных звонков
func WithStatsSink(sink CallStatsSink) Option {
	return func(e *Engine) { e.statsSink = sink }
}

// WithMetricsRegisterer задает реестр Prometheus метрик
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newMetrics(reg, func() float64 {
			return float64(e.events.Dropped())
		})
	}
}

// New создает движок. Конфигурация валидируется; фоновая проверка
// живости транспорта запускается сразу.
func New(config Config, opts ...Option) (*Engine, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   config,
		registry: NewRegistry(),
		events:   event.NewDispatcher(config.EventBufferSize),
		logger:   NewDefaultLogger(LogLevelInfo),
		parser:   message.NewParser(false),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.media == nil {
		e.media = media.NewDefaultEngine(media.DefaultEngineConfig())
	}
	if e.dialTransport == nil {
		e.dialTransport = func(ctx context.Context, opts transport.Options) (transport.Transport, error) {
			return transport.Dial(ctx, opts)
		}
	}
	if e.metrics == nil {
		e.metrics = newMetrics(prometheus.NewRegistry(), func() float64 {
			return float64(e.events.Dropped())
		})
	}
	e.logger = e.logger.WithComponent("engine")
	e.events.SetPanicHandler(func(_ event.Observer, recovered interface{}) {
		e.logger.Error("паника наблюдателя событий", Field{"panic", fmt.Sprint(recovered)})
	})

	e.wg.Add(1)
	go e.healthCheckLoop()

	return e, nil
}

// Subscribe добавляет наблюдателя событий
func (e *Engine) Subscribe(o event.Observer) { e.events.Subscribe(o) }

// Unsubscribe удаляет наблюдателя событий
func (e *Engine) Unsubscribe(o event.Observer) { e.events.Unsubscribe(o) }

// SetPushMode включает push-параметры Contact (фоновый режим).
// Пустой prid выключает push-режим.
func (e *Engine) SetPushMode(provider, prid string) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	if prid == "" {
		e.push = nil
		return
	}
	e.push = &message.PushParams{Provider: provider, PRID: prid}
}

func (e *Engine) pushParams() *message.PushParams {
	e.pushMu.RLock()
	defer e.pushMu.RUnlock()
	return e.push
}

// Account учетные данные регистрируемого аккаунта
type Account struct {
	Username    string
	Password    string
	DisplayName string
	// Domain переопределяет Config.Domain для этого аккаунта
	Domain string
}

// Register создает (или переиспользует) сессию аккаунта, поднимает
// транспорт и запускает регистрацию. Результат приходит событием
// registration_changed.
func (e *Engine) Register(ctx context.Context, account Account) (string, error) {
	if e.disposed.Load() {
		return "", ErrDisposed
	}
	if account.Username == "" || account.Password == "" {
		return "", newError("CONFIG_INVALID", "не заданы учетные данные", ErrorCategoryConfig)
	}
	domain := account.Domain
	if domain == "" {
		domain = e.config.Domain
	}

	accountID := account.Username + "@" + domain
	session, err := e.registry.Get(accountID)
	if err != nil {
		session, err = e.registry.Create(account.Username, domain, message.Credentials{
			Username: account.Username,
			Password: account.Password,
		})
		if err != nil {
			return "", err
		}
		e.initSession(session, account)
	}

	if err := e.ensureTransport(ctx, session); err != nil {
		return "", err
	}

	session.mu.Lock()
	session.wantRegistered = true
	fromCleared := session.registration.State() == RegistrationCleared
	session.mu.Unlock()

	evt := regEventRegister
	if session.registration.State() == RegistrationOk {
		evt = regEventRenew
	}
	if err := session.registration.Fire(evt); err != nil {
		return accountID, err
	}

	if fromCleared {
		session.mu.Lock()
		// Единственный допустимый сброс счетчика за жизнь сессии
		session.resetCSeq()
		session.regCallID = ""
		session.mu.Unlock()
	}

	return accountID, e.sendRegister(session, e.config.RegisterExpiry)
}

// Unregister снимает регистрацию и уничтожает сессию аккаунта
func (e *Engine) Unregister(ctx context.Context, accountID string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	session.wantRegistered = false
	session.mu.Unlock()
	session.registration.stopRenewal()

	// Лучший случай: уведомляем сервер нулевым Expires.
	if session.transport != nil && session.transport.Connected() {
		if err := e.sendRegister(session, 0); err != nil {
			e.logger.Warn("не удалось отправить de-REGISTER", Err(err))
		}
	}

	if err := session.registration.Fire(regEventClear); err != nil {
		return err
	}

	if call := session.ActiveCall(); call != nil {
		e.terminateCall(session, call, "hangup")
	}
	if session.transport != nil {
		_ = session.transport.Close(1000)
	}
	return e.registry.Remove(accountID)
}

// Dial начинает исходящий звонок. Возвращает идентификатор звонка;
// прогресс доставляется событиями call_state_changed.
func (e *Engine) Dial(ctx context.Context, accountID, target string) (string, error) {
	if e.disposed.Load() {
		return "", ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return "", err
	}
	if session.RegistrationState() != RegistrationOk {
		return "", ErrNotRegistered
	}

	remote, err := e.resolveTarget(target, session.domain)
	if err != nil {
		return "", err
	}

	offer, err := e.media.CreateOffer()
	if err != nil {
		return "", newError("MEDIA_OFFER_FAILED", "не удалось создать offer", ErrorCategoryMedia).WithCause(err)
	}

	session.mu.Lock()
	if session.call != nil && !session.call.Terminal() {
		session.mu.Unlock()
		return "", ErrCallAlreadyActive
	}

	call := &CallSession{
		ID:        message.GenerateCallID(session.domain),
		Direction: DirectionOutgoing,
		LocalTag:  message.GenerateTag(),
		LocalSDP:  offer,
		StartedAt: time.Now(),
		Remote:    remote,
	}
	call.fsm = newCallFSM(e.callHook(session, call))
	session.call = call
	session.mu.Unlock()

	if err := call.fsm.Fire(callEventDial); err != nil {
		return "", err
	}
	e.metrics.callsActive.Inc()

	if err := e.sendInvite(session, call); err != nil {
		e.failCall(session, call, err.Error())
		return call.ID, err
	}
	e.armCallTimeout(session, call)
	return call.ID, nil
}

// Accept принимает входящий звонок
func (e *Engine) Accept(ctx context.Context, accountID string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return err
	}
	call := session.ActiveCall()
	if call == nil {
		return ErrNoActiveCall
	}
	if call.State() != CallStateIncoming {
		return ErrInvalidCallState("accept", call.State())
	}

	answer, err := e.media.CreateAnswer(call.RemoteSDP)
	if err != nil {
		return newError("MEDIA_ANSWER_FAILED", "не удалось создать answer", ErrorCategoryMedia).WithCause(err)
	}

	if err := call.fsm.Fire(callEventLocalAccept); err != nil {
		return err
	}

	session.mu.Lock()
	call.LocalSDP = answer
	invite := call.invite
	session.mu.Unlock()

	resp := message.NewResponse(invite, 200).
		ToTag(call.LocalTag).
		Contact(session.contactURI).
		Body("application/sdp", []byte(answer)).
		Build()
	if err := e.sendMessage(session, resp.String()); err != nil {
		e.failCall(session, call, "transport failure")
		return err
	}
	// Соединение подтверждается входящим ACK (handleAck).
	return nil
}

// Decline отклоняет входящий звонок. Пир получает определенный
// отрицательный ответ; тег генерируется, если его не было.
func (e *Engine) Decline(ctx context.Context, accountID string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return err
	}
	call := session.ActiveCall()
	if call == nil {
		return ErrNoActiveCall
	}
	if call.State() != CallStateIncoming {
		return ErrInvalidCallState("decline", call.State())
	}

	if err := call.fsm.Fire(callEventDecline); err != nil {
		return err
	}

	session.mu.Lock()
	if call.LocalTag == "" {
		call.LocalTag = message.GenerateTag()
	}
	invite := call.invite
	session.mu.Unlock()

	resp := message.NewResponse(invite, 486).ToTag(call.LocalTag).Build()
	if err := e.sendMessage(session, resp.String()); err != nil {
		e.logger.Warn("не удалось отправить отказ", Err(err))
	}
	e.finishCall(session, call, "declined")
	return nil
}

// Hangup завершает активный звонок
func (e *Engine) Hangup(ctx context.Context, accountID string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return err
	}
	call := session.ActiveCall()
	if call == nil {
		return ErrNoActiveCall
	}

	switch call.State() {
	case CallStateIncoming:
		return e.Decline(ctx, accountID)
	case CallStateCalling, CallStateRinging:
		stateBefore := call.State()
		if err := call.fsm.Fire(callEventHangup); err != nil {
			return err
		}
		if err := e.sendCancel(session, call); err != nil {
			e.logger.Warn("не удалось отправить CANCEL", Err(err))
		}
		_ = call.fsm.Fire(callEventFinalize)
		e.finishCall(session, call, deriveEndReason(stateBefore, call.Direction))
		return nil
	case CallStateConnected, CallStateHolding:
		if err := call.fsm.Fire(callEventHangup); err != nil {
			return err
		}
		if err := e.sendBye(session, call); err != nil {
			// Транспорт мертв: завершаем локально.
			_ = call.fsm.Fire(callEventFinalize)
			e.finishCall(session, call, "hangup")
			return nil
		}
		// ending→ended по ответу на BYE (handleCallResponse) либо по
		// таймауту.
		e.armByeTimeout(session, call)
		return nil
	default:
		return ErrInvalidCallState("hangup", call.State())
	}
}

// Hold ставит звонок на удержание re-INVITE запросом с sendonly SDP
func (e *Engine) Hold(ctx context.Context, accountID string) error {
	return e.setHold(ctx, accountID, true)
}

// Resume снимает звонок с удержания
func (e *Engine) Resume(ctx context.Context, accountID string) error {
	return e.setHold(ctx, accountID, false)
}

func (e *Engine) setHold(ctx context.Context, accountID string, hold bool) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return err
	}
	call := session.ActiveCall()
	if call == nil {
		return ErrNoActiveCall
	}

	evt, op := callEventHold, "hold"
	if !hold {
		evt, op = callEventResume, "resume"
	}
	if !call.fsm.Can(evt) {
		return ErrInvalidCallState(op, call.State())
	}

	e.media.SetAudioEnabled(!hold)
	offer, err := e.media.CreateOffer()
	if err != nil {
		e.media.SetAudioEnabled(hold)
		return newError("MEDIA_OFFER_FAILED", "не удалось создать offer", ErrorCategoryMedia).WithCause(err)
	}

	if err := call.fsm.Fire(evt); err != nil {
		return err
	}

	session.mu.Lock()
	call.OnHold = hold
	call.LocalSDP = offer
	session.mu.Unlock()

	if err := e.sendReinvite(session, call, offer); err != nil {
		e.logger.Warn("не удалось отправить re-INVITE", Err(err))
	}
	return nil
}

// SendDTMF ставит последовательность DTMF цифр в очередь активного
// звонка. Возвращает число принятых цифр; цифры вне алфавита и
// запросы вне состояния connected отвергаются.
func (e *Engine) SendDTMF(accountID, digits string) (int, error) {
	if e.disposed.Load() {
		return 0, ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return 0, err
	}
	if session.dtmf == nil {
		return 0, ErrNoActiveCall
	}
	return session.dtmf.EnqueueSequence(digits), nil
}

// SendDTMFDigit ставит одну цифру с заданной длительностью
func (e *Engine) SendDTMFDigit(accountID string, digit rune, duration time.Duration) (bool, error) {
	if e.disposed.Load() {
		return false, ErrDisposed
	}
	session, err := e.registry.Get(accountID)
	if err != nil {
		return false, err
	}
	if session.dtmf == nil {
		return false, ErrNoActiveCall
	}
	return session.dtmf.Enqueue(digit, duration), nil
}

// Session возвращает сессию аккаунта (для инспекции приложением)
func (e *Engine) Session(accountID string) (*AccountSession, error) {
	return e.registry.Get(accountID)
}

// Dispose уничтожает движок: отменяет фоновые задачи, закрывает
// транспорты и диспетчер событий. Отложенные операции завершаются
// ошибкой ErrDisposed, а не зависают.
func (e *Engine) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	for _, session := range e.registry.All() {
		session.registration.stopRenewal()
		if session.dtmf != nil {
			session.dtmf.Clear()
		}
		if call := session.ActiveCall(); call != nil {
			e.terminateCall(session, call, "disposed")
		}
		if session.transport != nil {
			_ = session.transport.Close(1000)
		}
		_ = e.registry.Remove(session.ID())
	}

	e.media.Dispose()
	e.wg.Wait()
	e.events.Close()
}

// initSession достраивает сессию после создания в реестре
func (e *Engine) initSession(session *AccountSession, account Account) {
	session.displayName = account.DisplayName
	session.userAgent = e.config.UserAgent
	session.customHeaders = e.config.CustomHeaders
	session.accountURI = &message.URI{
		Scheme: "sip",
		User:   session.username,
		Host:   session.domain,
	}
	// RFC 7118: контакт WebSocket клиента указывает на невидимый
	// снаружи инстанс-хост.
	session.contactURI = &message.URI{
		Scheme: "sip",
		User:   session.username,
		Host:   strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".invalid",
		Parameters: map[string]string{
			"transport": "ws",
		},
	}
	session.registration = newRegistration(e.registrationHook(session))
	session.dtmf = newDTMFDispatcher(e.ctx, e.media, func() bool {
		call := session.ActiveCall()
		return call != nil && call.State() == CallStateConnected
	}, e.config.DTMFDuration, e.config.DTMFGap, e.logger, e.metrics.dtmfSentTotal.Inc)
}

// ensureTransport поднимает транспорт сессии, если его еще нет
func (e *Engine) ensureTransport(ctx context.Context, session *AccountSession) error {
	session.mu.Lock()
	existing := session.transport
	session.mu.Unlock()
	if existing != nil {
		return nil
	}

	headers := http.Header{}
	for name, value := range e.config.CustomHeaders {
		headers.Set(name, value)
	}

	t, err := e.dialTransport(ctx, transport.Options{
		URL:           e.config.TransportURL,
		SubProtocol:   e.config.SubProtocol,
		Headers:       headers,
		PingInterval:  e.config.PingInterval,
		AutoReconnect: e.config.AutoReconnect,
	})
	if err != nil {
		return ErrTransportDown.WithCause(err)
	}

	t.OnMessage(func(data []byte) { e.handleInbound(session, data) })
	t.OnState(func(state transport.State, err error) { e.handleTransportState(session, state, err) })

	session.mu.Lock()
	session.transport = t
	session.mu.Unlock()
	return nil
}

// resolveTarget превращает цель набора в URI; голый номер дополняется
// доменом аккаунта
func (e *Engine) resolveTarget(target, domain string) (*message.URI, error) {
	if target == "" {
		return nil, newError("INVALID_TARGET", "пустая цель набора", ErrorCategoryState)
	}
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return message.ParseURI(target)
	}
	return &message.URI{Scheme: "sip", User: target, Host: domain}, nil
}

// healthCheckLoop периодически проверяет живость транспорта каждой
// сессии и инициирует переподключение; не запускается поверх уже
// идущего reconnect той же сессии.
func (e *Engine) healthCheckLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, session := range e.registry.All() {
			session.mu.Lock()
			t := session.transport
			want := session.wantRegistered
			session.mu.Unlock()

			if t == nil || !want || !e.config.AutoReconnect {
				continue
			}
			if t.Connected() || t.ReconnectInProgress() {
				continue
			}
			e.metrics.reconnectsTotal.Inc()
			go func(t transport.Transport) {
				if err := t.Reconnect(e.ctx); err != nil {
					e.logger.Warn("переподключение не удалось", Err(err))
				}
			}(t)
		}
	}
}
