package softphone

import (
	"fmt"
	"strconv"
	"time"

	"github.com/eddyslarez/sip-library-sub000/pkg/event"
	"github.com/eddyslarez/sip-library-sub000/pkg/sip/message"
	"github.com/eddyslarez/sip-library-sub000/pkg/transport"
)

// handleInbound демультиплексирует входящее сообщение транспорта:
// ответы маршрутизируются по Call-ID к звонку либо к машине
// регистрации, запросы — обработчику запросов. Неразбираемое
// сообщение логируется и отбрасывается, не трогая состояние.
func (e *Engine) handleInbound(session *AccountSession, data []byte) {
	if e.disposed.Load() {
		return
	}
	e.metrics.inboundTotal.Inc()

	msg, err := e.parser.Parse(data)
	if err != nil {
		e.metrics.parseErrors.Inc()
		e.logger.Warn("неразбираемое входящее сообщение",
			Err(err), Int("bytes", len(data)))
		return
	}

	switch m := msg.(type) {
	case *message.Response:
		e.handleResponse(session, m)
	case *message.Request:
		e.handleRequest(session, m)
	}
}

func (e *Engine) handleResponse(session *AccountSession, resp *message.Response) {
	_, method, err := resp.CSeq()
	if err != nil {
		e.logger.Warn("ответ без корректного CSeq", Err(err))
		return
	}

	session.mu.Lock()
	call := session.call
	if call != nil && call.Terminal() {
		call = nil
	}
	session.mu.Unlock()

	if call != nil && call.ID == resp.CallID() {
		e.handleCallResponse(session, call, resp, method)
		return
	}
	if method == "REGISTER" {
		e.handleRegisterResponse(session, resp)
		return
	}
	e.logger.Debug("ответ без подходящей транзакции",
		String("call_id", resp.CallID()), String("method", method))
}

// --- Регистрация ---

// registrationHook эмитит событие на каждый переход регистрации
// и ведет метрику активных регистраций
func (e *Engine) registrationHook(session *AccountSession) regTransitionHook {
	return func(from, to RegistrationState, evt string) {
		if to == RegistrationOk && from != RegistrationOk {
			e.metrics.registrationsOk.Inc()
		}
		if from == RegistrationOk && to != RegistrationOk {
			e.metrics.registrationsOk.Dec()
		}

		session.mu.Lock()
		reason := session.regFailReason
		session.mu.Unlock()
		if to != RegistrationFailed {
			reason = ""
		}

		e.events.Emit(event.Event{
			Kind:    event.KindRegistrationChanged,
			Account: session.ID(),
			Registration: &event.RegistrationInfo{
				State:    to.String(),
				Previous: from.String(),
				Reason:   reason,
			},
		})
	}
}

// sendRegister строит и отправляет REGISTER. expiry=0 означает снятие
// регистрации; таймаут ответа в этом случае не взводится.
func (e *Engine) sendRegister(session *AccountSession, expiry time.Duration) error {
	session.mu.Lock()
	if session.regCallID == "" {
		session.regCallID = message.GenerateCallID(session.domain)
	}
	if session.localTag == "" {
		session.localTag = message.GenerateTag()
	}
	cseq := session.nextCSeq()
	session.pendingExpiry = expiry
	challenge := session.challenge
	session.mu.Unlock()

	target := &message.URI{Scheme: "sip", Host: session.domain}

	var authorization string
	if challenge != nil {
		computed, err := challenge.Authorize("REGISTER", target, session.creds)
		if err != nil {
			return ErrAuthFailed("не удалось вычислить digest").WithCause(err)
		}
		authorization = computed
	}

	req, err := message.NewRequest("REGISTER", target).
		Via("WS", session.contactURI.Host, message.GenerateBranch()).
		From(session.displayName, session.accountURI, session.localTag).
		To(session.accountURI, "").
		CallID(session.regCallID).
		CSeq(cseq, "REGISTER").
		Contact(session.contactURI, e.pushParams()).
		Expires(int(expiry / time.Second)).
		UserAgent(session.userAgent).
		CustomHeaders(session.customHeaders).
		Authorization(authorization).
		Build()
	if err != nil {
		return err
	}

	if err := e.sendMessage(session, req.String()); err != nil {
		return err
	}

	if expiry > 0 {
		session.mu.Lock()
		if session.regTimer != nil {
			session.regTimer.Stop()
		}
		session.regTimer = time.AfterFunc(e.config.RequestTimeout, func() {
			e.registrationTimeout(session)
		})
		session.mu.Unlock()
	}
	return nil
}

func (e *Engine) registrationTimeout(session *AccountSession) {
	if session.registration.State() != RegistrationInProgress {
		return
	}
	session.mu.Lock()
	session.regFailReason = "timeout"
	session.mu.Unlock()
	e.metrics.registrationsTotal.WithLabelValues("timeout").Inc()
	_ = session.registration.Fire(regEventReject)
}

func (e *Engine) handleRegisterResponse(session *AccountSession, resp *message.Response) {
	session.mu.Lock()
	if session.regTimer != nil {
		session.regTimer.Stop()
		session.regTimer = nil
	}
	pendingExpiry := session.pendingExpiry
	session.mu.Unlock()

	if session.registration.State() != RegistrationInProgress {
		// Поздний ответ на снятие регистрации и т.п.
		return
	}

	switch {
	case resp.IsAuthChallenge():
		session.mu.Lock()
		session.authAttempts++
		attempts := session.authAttempts
		session.mu.Unlock()

		if attempts >= message.MaxAuthAttempts {
			// Второй вызов после запроса с digest: учетные данные
			// отвергнуты, дальнейших автоповторов нет.
			session.mu.Lock()
			session.regFailReason = "authentication rejected"
			session.mu.Unlock()
			e.metrics.registrationsTotal.WithLabelValues("auth_failed").Inc()
			_ = session.registration.Fire(regEventReject)
			e.events.Emit(event.Event{
				Kind:    event.KindAuthFailure,
				Account: session.ID(),
				Failure: &event.FailureInfo{
					Code:     "AUTH_FAILED",
					Category: ErrorCategoryAuth.String(),
					Reason:   "учетные данные отвергнуты сервером",
				},
			})
			return
		}

		challenge, err := message.ParseChallenge(resp)
		if err != nil {
			session.mu.Lock()
			session.regFailReason = "malformed challenge"
			session.mu.Unlock()
			e.metrics.registrationsTotal.WithLabelValues("auth_failed").Inc()
			_ = session.registration.Fire(regEventReject)
			return
		}
		session.mu.Lock()
		session.challenge = challenge
		session.mu.Unlock()

		// Тот же логический запрос со свежим digest и новым CSeq.
		if err := e.sendRegister(session, pendingExpiry); err != nil {
			session.mu.Lock()
			session.regFailReason = err.Error()
			session.mu.Unlock()
			_ = session.registration.Fire(regEventReject)
		}

	case resp.IsSuccess():
		lease := pendingExpiry
		if v := resp.GetHeader("Expires"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				lease = time.Duration(secs) * time.Second
			}
		}

		session.mu.Lock()
		session.authAttempts = 0
		session.leaseExpiry = time.Now().Add(lease)
		session.mu.Unlock()

		e.metrics.registrationsTotal.WithLabelValues("ok").Inc()
		_ = session.registration.Fire(regEventAccept)

		// Продление за margin до истечения lease.
		renewIn := lease - e.config.RenewalMargin
		if renewIn <= 0 {
			renewIn = lease / 2
		}
		session.registration.armRenewal(renewIn, func() {
			e.renewRegistration(session)
		})

	default:
		session.mu.Lock()
		session.regFailReason = fmt.Sprintf("%d %s", resp.StatusCode, resp.ReasonPhrase)
		session.mu.Unlock()
		e.metrics.registrationsTotal.WithLabelValues("rejected").Inc()
		_ = session.registration.Fire(regEventReject)
	}
}

// renewRegistration срабатывает по таймеру продления. Если транспорт
// лежит, сначала запрашивается переподключение; повторная регистрация
// уйдет из обработчика состояния транспорта после восстановления.
func (e *Engine) renewRegistration(session *AccountSession) {
	if e.disposed.Load() {
		return
	}

	session.mu.Lock()
	t := session.transport
	session.mu.Unlock()

	if t == nil || !t.Connected() {
		if t != nil && !t.ReconnectInProgress() {
			e.metrics.reconnectsTotal.Inc()
			go func() { _ = t.Reconnect(e.ctx) }()
		}
		return
	}

	if err := session.registration.Fire(regEventRenew); err != nil {
		return
	}
	if err := e.sendRegister(session, e.config.RegisterExpiry); err != nil {
		e.logger.Warn("продление регистрации не отправлено", Err(err))
	}
}

// handleTransportState транслирует жизненный цикл транспорта в
// события и восстанавливает регистрацию после переподключения
func (e *Engine) handleTransportState(session *AccountSession, state transport.State, err error) {
	if e.disposed.Load() {
		return
	}

	info := &event.TransportInfo{State: state.String()}
	if err != nil {
		info.Error = err.Error()
	}
	e.events.Emit(event.Event{
		Kind:      event.KindTransportStateChanged,
		Account:   session.ID(),
		Transport: info,
	})

	switch state {
	case transport.StateConnected:
		session.mu.Lock()
		want := session.wantRegistered
		session.mu.Unlock()
		if !want {
			return
		}
		// После переподключения регистрация переотправляется
		// автоматически. Штатное закрытие не сбрасывает машину в
		// none, поэтому из ok уходит продление: таймер мог
		// сработать, пока транспорт лежал.
		switch session.registration.State() {
		case RegistrationNone:
			if fireErr := session.registration.Fire(regEventRegister); fireErr == nil {
				if sendErr := e.sendRegister(session, e.config.RegisterExpiry); sendErr != nil {
					e.logger.Warn("повторная регистрация не отправлена", Err(sendErr))
				}
			}
		case RegistrationOk:
			if fireErr := session.registration.Fire(regEventRenew); fireErr == nil {
				if sendErr := e.sendRegister(session, e.config.RegisterExpiry); sendErr != nil {
					e.logger.Warn("продление регистрации не отправлено", Err(sendErr))
				}
			}
		}

	case transport.StateDisconnected:
		if err != nil && session.registration.Can(regEventConnectionLost) {
			_ = session.registration.Fire(regEventConnectionLost)
		}

	case transport.StateClosed:
		if err == nil {
			return
		}
		// Попытки переподключения исчерпаны: невосстановимый отказ.
		if session.registration.Can(regEventConnectionLost) {
			_ = session.registration.Fire(regEventConnectionLost)
		}
		if call := session.ActiveCall(); call != nil {
			e.failCall(session, call, "transport failure")
		}
		e.events.Emit(event.Event{
			Kind:    event.KindError,
			Account: session.ID(),
			Failure: &event.FailureInfo{
				Code:     "TRANSPORT_FAILED",
				Category: ErrorCategoryTransport.String(),
				Reason:   err.Error(),
			},
		})
	}
}

// --- Звонки ---

// callHook эмитит событие на каждый переход звонка; вход в connected
// дополнительно эмитит call_connected со временем установления
func (e *Engine) callHook(session *AccountSession, call *CallSession) callTransitionHook {
	return func(from, to CallState, evt string) {
		e.events.Emit(event.Event{
			Kind:    event.KindCallStateChanged,
			Account: session.ID(),
			Call: &event.CallInfo{
				CallID:    call.ID,
				State:     to.String(),
				Previous:  from.String(),
				Direction: string(call.Direction),
				Remote:    call.remoteString(),
			},
		})

		if to == CallStateConnected && from == CallStateAccepting {
			setup := call.ConnectedAt.Sub(call.StartedAt)
			e.metrics.callSetupTime.Observe(setup.Seconds())
			e.events.Emit(event.Event{
				Kind:    event.KindCallConnected,
				Account: session.ID(),
				Call: &event.CallInfo{
					CallID:    call.ID,
					State:     to.String(),
					Previous:  from.String(),
					Direction: string(call.Direction),
					Remote:    call.remoteString(),
					SetupTime: setup,
				},
			})
		}
	}
}

func (c *CallSession) remoteString() string {
	if c.Remote == nil {
		return ""
	}
	return c.Remote.String()
}

func (e *Engine) handleCallResponse(session *AccountSession, call *CallSession, resp *message.Response, method string) {
	switch method {
	case "INVITE":
		e.handleInviteResponse(session, call, resp)
	case "BYE":
		if resp.IsSuccess() && call.State() == CallStateEnding {
			e.stopCallTimer(session, call)
			_ = call.fsm.Fire(callEventFinalize)
			e.finishCall(session, call, "hangup")
		}
	case "CANCEL":
		// Подтверждение CANCEL; завершение уже зафиксировано локально.
	default:
		e.logger.Debug("ответ на неотслеживаемый метод", String("method", method))
	}
}

func (e *Engine) handleInviteResponse(session *AccountSession, call *CallSession, resp *message.Response) {
	switch {
	case resp.IsProvisional():
		if resp.StatusCode == 100 {
			return
		}
		session.mu.Lock()
		if tag := message.ExtractTag(resp.GetHeader("To")); tag != "" {
			call.RemoteTag = tag
		}
		session.mu.Unlock()
		if call.fsm.Can(callEventProvisional) {
			_ = call.fsm.Fire(callEventProvisional)
		}

	case resp.IsAuthChallenge():
		e.retryInviteAuth(session, call, resp)

	case resp.IsSuccess():
		e.stopCallTimer(session, call)

		session.mu.Lock()
		if tag := message.ExtractTag(resp.GetHeader("To")); tag != "" {
			call.RemoteTag = tag
		}
		if body := resp.Body(); len(body) > 0 {
			call.RemoteSDP = string(body)
		}
		session.mu.Unlock()

		if err := e.sendAck(session, call); err != nil {
			e.failCall(session, call, "transport failure")
			return
		}

		state := call.State()
		switch state {
		case CallStateCalling, CallStateRinging:
			_ = call.fsm.Fire(callEventRemoteAccept)
			// Локальный ACK отправлен, медиа готова: фиксируем
			// соединение.
			e.media.SetAudioEnabled(true)
			session.mu.Lock()
			call.ConnectedAt = time.Now()
			session.mu.Unlock()
			_ = call.fsm.Fire(callEventConfirm)
		case CallStateConnected, CallStateHolding:
			// Ответ на re-INVITE (hold/resume): состояние уже
			// переключено локально.
		}

	case resp.StatusCode >= 300:
		e.stopCallTimer(session, call)
		if err := e.sendAck(session, call); err != nil {
			e.logger.Warn("ACK на отказ не отправлен", Err(err))
		}
		if call.fsm.Can(callEventRemoteReject) {
			_ = call.fsm.Fire(callEventRemoteReject)
			e.finishCall(session, call, rejectReason(resp.StatusCode))
		}
	}
}

// rejectReason дизамбигуация причины завершения по финальному отказу
func rejectReason(code int) string {
	switch code {
	case 486, 600, 603:
		return "busy"
	case 487:
		return "cancelled"
	case 408:
		return "timeout"
	default:
		return "rejected"
	}
}

// retryInviteAuth повторяет INVITE со свежим digest; повтор ограничен
func (e *Engine) retryInviteAuth(session *AccountSession, call *CallSession, resp *message.Response) {
	session.mu.Lock()
	session.authAttempts++
	attempts := session.authAttempts
	session.mu.Unlock()

	if err := e.sendAck(session, call); err != nil {
		e.failCall(session, call, "transport failure")
		return
	}

	if attempts >= message.MaxAuthAttempts {
		e.events.Emit(event.Event{
			Kind:    event.KindAuthFailure,
			Account: session.ID(),
			Failure: &event.FailureInfo{
				Code:     "AUTH_FAILED",
				Category: ErrorCategoryAuth.String(),
				Reason:   "учетные данные отвергнуты сервером",
			},
		})
		e.failCall(session, call, "authentication rejected")
		return
	}

	challenge, err := message.ParseChallenge(resp)
	if err != nil {
		e.failCall(session, call, "malformed challenge")
		return
	}
	session.mu.Lock()
	session.challenge = challenge
	session.mu.Unlock()

	if err := e.sendInvite(session, call); err != nil {
		e.failCall(session, call, "transport failure")
	}
}

// handleRequest обрабатывает входящие запросы сервера/пира
func (e *Engine) handleRequest(session *AccountSession, req *message.Request) {
	switch req.Method {
	case "INVITE":
		e.handleInvite(session, req)
	case "ACK":
		e.handleAck(session, req)
	case "BYE":
		e.handleBye(session, req)
	case "CANCEL":
		e.handleCancel(session, req)
	case "OPTIONS":
		resp := message.NewResponse(req, 200).Build()
		_ = e.sendMessage(session, resp.String())
	default:
		resp := message.NewResponse(req, 501).Build()
		_ = e.sendMessage(session, resp.String())
	}
}

// handleInvite обрабатывает входящий INVITE: новый звонок, re-INVITE
// активного звонка, либо 486 при уже занятой линии
func (e *Engine) handleInvite(session *AccountSession, req *message.Request) {
	session.mu.Lock()
	active := session.call
	if active != nil && active.Terminal() {
		active = nil
	}
	session.mu.Unlock()

	if active != nil && active.ID == req.CallID() {
		e.handleReinvite(session, active, req)
		return
	}

	if active != nil {
		// Не более одного живого звонка на аккаунт.
		resp := message.NewResponse(req, 486).ToTag(message.GenerateTag()).Build()
		_ = e.sendMessage(session, resp.String())
		return
	}

	remote, err := message.ExtractURI(req.GetHeader("From"))
	if err != nil {
		e.logger.Warn("INVITE с неразбираемым From", Err(err))
		resp := message.NewResponse(req, 400).ToTag(message.GenerateTag()).Build()
		_ = e.sendMessage(session, resp.String())
		return
	}

	call := &CallSession{
		ID:        req.CallID(),
		Direction: DirectionIncoming,
		LocalTag:  message.GenerateTag(),
		RemoteTag: message.ExtractTag(req.GetHeader("From")),
		RemoteSDP: string(req.Body()),
		StartedAt: time.Now(),
		Remote:    remote,
		invite:    req,
	}
	call.fsm = newCallFSM(e.callHook(session, call))

	session.mu.Lock()
	session.call = call
	session.mu.Unlock()

	if err := call.fsm.Fire(callEventInvite); err != nil {
		return
	}
	e.metrics.callsActive.Inc()

	ringing := message.NewResponse(req, 180).ToTag(call.LocalTag).Build()
	_ = e.sendMessage(session, ringing.String())

	e.events.Emit(event.Event{
		Kind:    event.KindIncomingCall,
		Account: session.ID(),
		Call: &event.CallInfo{
			CallID:    call.ID,
			State:     call.State().String(),
			Direction: string(call.Direction),
			Remote:    call.remoteString(),
		},
	})
}

// handleReinvite отвечает на re-INVITE пира (hold/resume с его стороны)
func (e *Engine) handleReinvite(session *AccountSession, call *CallSession, req *message.Request) {
	answer, err := e.media.CreateAnswer(string(req.Body()))
	if err != nil {
		resp := message.NewResponse(req, 488).ToTag(call.LocalTag).Build()
		_ = e.sendMessage(session, resp.String())
		return
	}

	session.mu.Lock()
	call.RemoteSDP = string(req.Body())
	call.LocalSDP = answer
	session.mu.Unlock()

	resp := message.NewResponse(req, 200).
		ToTag(call.LocalTag).
		Contact(session.contactURI).
		Body("application/sdp", []byte(answer)).
		Build()
	_ = e.sendMessage(session, resp.String())
}

// handleAck подтверждает установление входящего звонка
func (e *Engine) handleAck(session *AccountSession, req *message.Request) {
	call := session.ActiveCall()
	if call == nil || call.ID != req.CallID() {
		return
	}
	if call.State() == CallStateAccepting {
		e.media.SetAudioEnabled(true)
		session.mu.Lock()
		call.ConnectedAt = time.Now()
		session.mu.Unlock()
		_ = call.fsm.Fire(callEventConfirm)
	}
}

// handleBye завершает звонок по инициативе пира
func (e *Engine) handleBye(session *AccountSession, req *message.Request) {
	call := session.ActiveCall()
	if call == nil || call.ID != req.CallID() {
		resp := message.NewResponse(req, 481).Build()
		_ = e.sendMessage(session, resp.String())
		return
	}

	resp := message.NewResponse(req, 200).Build()
	_ = e.sendMessage(session, resp.String())

	stateBefore := call.State()
	if call.fsm.Can(callEventHangup) {
		_ = call.fsm.Fire(callEventHangup)
	}
	if call.fsm.Can(callEventFinalize) {
		_ = call.fsm.Fire(callEventFinalize)
	}
	e.finishCall(session, call, deriveEndReason(stateBefore, call.Direction))
}

// handleCancel отменяет еще не принятый входящий звонок
func (e *Engine) handleCancel(session *AccountSession, req *message.Request) {
	call := session.ActiveCall()
	if call == nil || call.ID != req.CallID() || call.State() != CallStateIncoming {
		resp := message.NewResponse(req, 481).Build()
		_ = e.sendMessage(session, resp.String())
		return
	}

	ok := message.NewResponse(req, 200).Build()
	_ = e.sendMessage(session, ok.String())

	session.mu.Lock()
	invite := call.invite
	session.mu.Unlock()
	terminated := message.NewResponse(invite, 487).ToTag(call.LocalTag).Build()
	_ = e.sendMessage(session, terminated.String())

	_ = call.fsm.Fire(callEventCancelled)
	e.finishCall(session, call, "cancelled")
}

// --- Отправка запросов звонка ---

func (e *Engine) sendInvite(session *AccountSession, call *CallSession) error {
	session.mu.Lock()
	cseq := session.nextCSeq()
	call.LastCSeq = cseq
	call.inviteBranch = message.GenerateBranch()
	challenge := session.challenge
	offer := call.LocalSDP
	session.mu.Unlock()

	var authorization string
	if challenge != nil {
		computed, err := challenge.Authorize("INVITE", call.Remote, session.creds)
		if err != nil {
			return ErrAuthFailed("не удалось вычислить digest").WithCause(err)
		}
		authorization = computed
	}

	req, err := message.NewRequest("INVITE", call.Remote).
		Via("WS", session.contactURI.Host, call.inviteBranch).
		From(session.displayName, session.accountURI, call.LocalTag).
		To(call.Remote, "").
		CallID(call.ID).
		CSeq(cseq, "INVITE").
		Contact(session.contactURI, e.pushParams()).
		UserAgent(session.userAgent).
		CustomHeaders(session.customHeaders).
		Authorization(authorization).
		Body("application/sdp", []byte(offer)).
		Build()
	if err != nil {
		return err
	}
	return e.sendMessage(session, req.String())
}

func (e *Engine) sendReinvite(session *AccountSession, call *CallSession, offer string) error {
	session.mu.Lock()
	cseq := session.nextCSeq()
	call.LastCSeq = cseq
	session.mu.Unlock()

	req, err := message.NewRequest("INVITE", call.Remote).
		Via("WS", session.contactURI.Host, message.GenerateBranch()).
		From(session.displayName, session.accountURI, call.LocalTag).
		To(call.Remote, call.RemoteTag).
		CallID(call.ID).
		CSeq(cseq, "INVITE").
		Contact(session.contactURI, e.pushParams()).
		UserAgent(session.userAgent).
		Body("application/sdp", []byte(offer)).
		Build()
	if err != nil {
		return err
	}
	return e.sendMessage(session, req.String())
}

// sendAck подтверждает финальный ответ на INVITE. CSeq номер ACK
// совпадает с номером INVITE.
func (e *Engine) sendAck(session *AccountSession, call *CallSession) error {
	session.mu.Lock()
	cseq := call.LastCSeq
	remoteTag := call.RemoteTag
	session.mu.Unlock()

	req, err := message.NewRequest("ACK", call.Remote).
		Via("WS", session.contactURI.Host, message.GenerateBranch()).
		From(session.displayName, session.accountURI, call.LocalTag).
		To(call.Remote, remoteTag).
		CallID(call.ID).
		CSeq(cseq, "ACK").
		Build()
	if err != nil {
		return err
	}
	return e.sendMessage(session, req.String())
}

// sendCancel отменяет неотвеченный исходящий INVITE. CANCEL обязан
// нести CSeq номер и Via branch исходного INVITE.
func (e *Engine) sendCancel(session *AccountSession, call *CallSession) error {
	session.mu.Lock()
	cseq := call.LastCSeq
	branch := call.inviteBranch
	session.mu.Unlock()

	req, err := message.NewRequest("CANCEL", call.Remote).
		Via("WS", session.contactURI.Host, branch).
		From(session.displayName, session.accountURI, call.LocalTag).
		To(call.Remote, "").
		CallID(call.ID).
		CSeq(cseq, "CANCEL").
		Build()
	if err != nil {
		return err
	}
	return e.sendMessage(session, req.String())
}

func (e *Engine) sendBye(session *AccountSession, call *CallSession) error {
	session.mu.Lock()
	cseq := session.nextCSeq()
	call.LastCSeq = cseq
	remoteTag := call.RemoteTag
	session.mu.Unlock()

	req, err := message.NewRequest("BYE", call.Remote).
		Via("WS", session.contactURI.Host, message.GenerateBranch()).
		From(session.displayName, session.accountURI, call.LocalTag).
		To(call.Remote, remoteTag).
		CallID(call.ID).
		CSeq(cseq, "BYE").
		UserAgent(session.userAgent).
		Build()
	if err != nil {
		return err
	}
	return e.sendMessage(session, req.String())
}

// sendMessage отправляет текст в транспорт сессии
func (e *Engine) sendMessage(session *AccountSession, text string) error {
	session.mu.Lock()
	t := session.transport
	session.mu.Unlock()
	if t == nil || !t.Connected() {
		return ErrTransportDown
	}
	return t.Send(text)
}

// --- Завершение звонков ---

// armCallTimeout ограничивает ожидание финального ответа на INVITE
func (e *Engine) armCallTimeout(session *AccountSession, call *CallSession) {
	session.mu.Lock()
	call.timeoutTimer = time.AfterFunc(e.config.RequestTimeout, func() {
		switch call.State() {
		case CallStateCalling, CallStateRinging:
			if call.fsm.Can(callEventRemoteReject) {
				_ = call.fsm.Fire(callEventRemoteReject)
				e.finishCall(session, call, "timeout")
			}
		}
	})
	session.mu.Unlock()
}

// armByeTimeout завершает звонок локально, если ответ на BYE не пришел
func (e *Engine) armByeTimeout(session *AccountSession, call *CallSession) {
	session.mu.Lock()
	call.timeoutTimer = time.AfterFunc(e.config.RequestTimeout, func() {
		if call.State() == CallStateEnding {
			_ = call.fsm.Fire(callEventFinalize)
			e.finishCall(session, call, "hangup")
		}
	})
	session.mu.Unlock()
}

func (e *Engine) stopCallTimer(session *AccountSession, call *CallSession) {
	session.mu.Lock()
	if call.timeoutTimer != nil {
		call.timeoutTimer.Stop()
		call.timeoutTimer = nil
	}
	session.mu.Unlock()
}

// failCall переводит звонок в error и затем в ended (невосстановимый
// отказ транспорта или аутентификации во время звонка)
func (e *Engine) failCall(session *AccountSession, call *CallSession, reason string) {
	if call.fsm.Can(callEventFail) {
		_ = call.fsm.Fire(callEventFail)
	}
	if call.fsm.Can(callEventAbort) {
		_ = call.fsm.Fire(callEventAbort)
	}
	e.finishCall(session, call, "error: "+reason)
}

// terminateCall принудительно завершает звонок при разборе сессии
func (e *Engine) terminateCall(session *AccountSession, call *CallSession, reason string) {
	if !call.Terminal() {
		if call.fsm.Can(callEventFail) {
			_ = call.fsm.Fire(callEventFail)
		}
		if call.fsm.Can(callEventAbort) {
			_ = call.fsm.Fire(callEventAbort)
		}
	}
	e.finishCall(session, call, reason)
}

// finishCall финализирует терминальный звонок ровно один раз:
// чистит очередь DTMF, эмитит call_ended и отдает статистику
// приемнику приложения
func (e *Engine) finishCall(session *AccountSession, call *CallSession, reason string) {
	session.mu.Lock()
	if call.finished {
		session.mu.Unlock()
		return
	}
	call.finished = true
	call.endReason = reason
	if call.timeoutTimer != nil {
		call.timeoutTimer.Stop()
		call.timeoutTimer = nil
	}
	session.mu.Unlock()

	if session.dtmf != nil {
		session.dtmf.Clear()
	}

	e.metrics.callsActive.Dec()
	e.metrics.callsTotal.WithLabelValues(string(call.Direction), reason).Inc()

	e.events.Emit(event.Event{
		Kind:    event.KindCallEnded,
		Account: session.ID(),
		Call: &event.CallInfo{
			CallID:    call.ID,
			State:     call.State().String(),
			Direction: string(call.Direction),
			Remote:    call.remoteString(),
			EndReason: reason,
		},
	})

	if e.statsSink != nil {
		e.statsSink.OnCallStats(CallStats{
			CallID:      call.ID,
			Account:     session.ID(),
			Direction:   call.Direction,
			Remote:      call.remoteString(),
			StartedAt:   call.StartedAt,
			ConnectedAt: call.ConnectedAt,
			EndedAt:     time.Now(),
			EndReason:   reason,
		})
	}
}
