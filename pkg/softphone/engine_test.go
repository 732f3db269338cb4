package softphone_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddyslarez/sip-library-sub000/pkg/event"
	"github.com/eddyslarez/sip-library-sub000/pkg/sip/message"
	"github.com/eddyslarez/sip-library-sub000/pkg/softphone"
	"github.com/eddyslarez/sip-library-sub000/pkg/transport"
)

// fakeTransport скриптуемый транспорт: записывает исходящие сообщения
// и позволяет тесту доставлять входящие и переключать состояния
type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	connected bool
	closeCode int

	onMessage transport.MessageHandler
	onState   transport.StateHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Send(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Reconnect(ctx context.Context) error {
	f.setState(transport.StateConnected, nil)
	return nil
}

func (f *fakeTransport) ReconnectInProgress() bool { return false }

func (f *fakeTransport) OnMessage(h transport.MessageHandler) {
	f.mu.Lock()
	f.onMessage = h
	f.mu.Unlock()
}

func (f *fakeTransport) OnState(h transport.StateHandler) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close(code int) error {
	f.mu.Lock()
	f.connected = false
	f.closeCode = code
	f.mu.Unlock()
	return nil
}

// deliver доставляет входящее сообщение движку синхронно
func (f *fakeTransport) deliver(t *testing.T, raw string) {
	t.Helper()
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	require.NotNil(t, h, "движок должен установить обработчик входящих")
	h([]byte(raw))
}

// setState переключает состояние и уведомляет движок
func (f *fakeTransport) setState(state transport.State, err error) {
	f.mu.Lock()
	switch state {
	case transport.StateConnected:
		f.connected = true
	case transport.StateDisconnected, transport.StateClosed:
		f.connected = false
	}
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(state, err)
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// waitRequest ждет появления i-го исходящего сообщения и разбирает
// его как запрос
func (f *fakeTransport) waitRequest(t *testing.T, i int) *message.Request {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.sentCount() > i
	}, 2*time.Second, 5*time.Millisecond, "исходящее сообщение %d не отправлено", i)

	msg, err := message.NewParser(false).Parse([]byte(f.sentAt(i)))
	require.NoError(t, err)
	req, ok := msg.(*message.Request)
	require.True(t, ok, "сообщение %d должно быть запросом: %s", i, f.sentAt(i))
	return req
}

// waitResponse ждет i-е исходящее сообщение и разбирает его как ответ
func (f *fakeTransport) waitResponse(t *testing.T, i int) *message.Response {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.sentCount() > i
	}, 2*time.Second, 5*time.Millisecond)

	msg, err := message.NewParser(false).Parse([]byte(f.sentAt(i)))
	require.NoError(t, err)
	resp, ok := msg.(*message.Response)
	require.True(t, ok, "сообщение %d должно быть ответом: %s", i, f.sentAt(i))
	return resp
}

var _ transport.Transport = (*fakeTransport)(nil)

const peerSDP = "v=0\r\n" +
	"o=- 12345 12345 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func newTestEngine(t *testing.T, mutate func(*softphone.Config)) (*softphone.Engine, *fakeTransport, chan event.Event) {
	t.Helper()
	cfg := softphone.Config{
		Domain:       "example.com",
		TransportURL: "ws://sip.example.com/ws",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ft := newFakeTransport()
	eng, err := softphone.New(cfg,
		softphone.WithLogger(softphone.NopLogger()),
		softphone.WithTransportDialer(func(context.Context, transport.Options) (transport.Transport, error) {
			return ft, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(eng.Dispose)

	events := make(chan event.Event, 256)
	eng.Subscribe(event.ObserverFunc(func(e event.Event) { events <- e }))
	return eng, ft, events
}

// waitEvent вычитывает события до появления нужного вида
func waitEvent(t *testing.T, ch <-chan event.Event, kind event.Kind) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("событие %s не получено", kind)
			return event.Event{}
		}
	}
}

// registerAccount регистрирует alice без challenge и доводит
// регистрацию до ok
func registerAccount(t *testing.T, eng *softphone.Engine, ft *fakeTransport) string {
	t.Helper()
	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	req := ft.waitRequest(t, 0)
	require.Equal(t, "REGISTER", req.Method)
	ft.deliver(t, message.NewResponse(req, 200).Build().String())

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	require.Equal(t, softphone.RegistrationOk, session.RegistrationState())
	return accountID
}

func TestEngineRegisterHappyPath(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)

	accountID := registerAccount(t, eng, ft)
	assert.Equal(t, "alice@example.com", accountID)

	// Контакт указывает на RFC 7118 невидимый хост с transport=ws.
	req := ft.waitRequest(t, 0)
	contact := req.GetHeader("Contact")
	assert.Contains(t, contact, ".invalid")
	assert.Contains(t, contact, "transport=ws")

	evt := waitEvent(t, events, event.KindRegistrationChanged)
	require.NotNil(t, evt.Registration)
	assert.Equal(t, accountID, evt.Account)
}

// TestEngineRegisterWithChallenge на 401 движок повторяет REGISTER
// с digest Authorization и новым CSeq
func TestEngineRegisterWithChallenge(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)

	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	first := ft.waitRequest(t, 0)
	assert.Empty(t, first.GetHeader("Authorization"))
	firstSeq, _, err := first.CSeq()
	require.NoError(t, err)

	challenge := message.NewResponse(first, 401).
		Header("WWW-Authenticate",
			`Digest realm="example.com", nonce="abc123", qop="auth", algorithm=MD5`).
		Build()
	ft.deliver(t, challenge.String())

	second := ft.waitRequest(t, 1)
	require.Equal(t, "REGISTER", second.Method)
	auth := second.GetHeader("Authorization")
	assert.Contains(t, auth, `username="alice"`)
	assert.Contains(t, auth, `realm="example.com"`)
	assert.Contains(t, auth, "response=")

	secondSeq, _, err := second.CSeq()
	require.NoError(t, err)
	assert.Greater(t, secondSeq, firstSeq, "CSeq строго возрастает")

	// Тот же Call-ID на протяжении всей регистрации.
	assert.Equal(t, first.CallID(), second.CallID())

	ft.deliver(t, message.NewResponse(second, 200).Build().String())
	session, err := eng.Session(accountID)
	require.NoError(t, err)
	assert.Equal(t, softphone.RegistrationOk, session.RegistrationState())
}

// TestEngineRegisterAuthFailure второй challenge после запроса с
// digest означает отказ учетных данных: автоповторов больше нет
func TestEngineRegisterAuthFailure(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)

	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "wrong",
	})
	require.NoError(t, err)

	first := ft.waitRequest(t, 0)
	ft.deliver(t, message.NewResponse(first, 401).
		Header("WWW-Authenticate", `Digest realm="example.com", nonce="n1"`).
		Build().String())

	second := ft.waitRequest(t, 1)
	ft.deliver(t, message.NewResponse(second, 401).
		Header("WWW-Authenticate", `Digest realm="example.com", nonce="n2"`).
		Build().String())

	failure := waitEvent(t, events, event.KindAuthFailure)
	require.NotNil(t, failure.Failure)
	assert.Equal(t, "AUTH_FAILED", failure.Failure.Code)

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	assert.Equal(t, softphone.RegistrationFailed, session.RegistrationState())

	// Третий REGISTER не отправляется.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, ft.sentCount())
}

func TestEngineRegisterRejected(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)

	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	req := ft.waitRequest(t, 0)
	ft.deliver(t, message.NewResponse(req, 403).Build().String())

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	assert.Equal(t, softphone.RegistrationFailed, session.RegistrationState())

	evt := waitEvent(t, events, event.KindRegistrationChanged)
	for evt.Registration.State != "failed" {
		evt = waitEvent(t, events, event.KindRegistrationChanged)
	}
	assert.Contains(t, evt.Registration.Reason, "403")
}

// TestEngineRenewal регистрация продлевается до истечения lease с
// монотонным CSeq
func TestEngineRenewal(t *testing.T) {
	eng, ft, _ := newTestEngine(t, func(c *softphone.Config) {
		c.RegisterExpiry = 300 * time.Millisecond
		c.RenewalMargin = 100 * time.Millisecond
	})

	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	first := ft.waitRequest(t, 0)
	ft.deliver(t, message.NewResponse(first, 200).Build().String())

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	require.Equal(t, softphone.RegistrationOk, session.RegistrationState())

	// Продление уходит автоматически за margin до истечения.
	renewal := ft.waitRequest(t, 1)
	require.Equal(t, "REGISTER", renewal.Method)

	firstSeq, _, _ := first.CSeq()
	renewSeq, _, _ := renewal.CSeq()
	assert.Greater(t, renewSeq, firstSeq)
	assert.Equal(t, first.CallID(), renewal.CallID())

	ft.deliver(t, message.NewResponse(renewal, 200).Build().String())
	assert.Equal(t, softphone.RegistrationOk, session.RegistrationState())
}

// TestEngineRenewalAfterQuietTransportClose штатное закрытие
// (err == nil) оставляет машину в ok; таймер продления, сработавший
// при лежащем транспорте, доводит продление после переподключения
func TestEngineRenewalAfterQuietTransportClose(t *testing.T) {
	eng, ft, _ := newTestEngine(t, func(c *softphone.Config) {
		c.RegisterExpiry = 400 * time.Millisecond
		c.RenewalMargin = 200 * time.Millisecond
	})

	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	first := ft.waitRequest(t, 0)
	ft.deliver(t, message.NewResponse(first, 200).Build().String())

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	require.Equal(t, softphone.RegistrationOk, session.RegistrationState())

	// Штатное закрытие без ошибки: регистрация не сбрасывается.
	ft.setState(transport.StateDisconnected, nil)
	require.Equal(t, softphone.RegistrationOk, session.RegistrationState())

	// Таймер продления запрашивает переподключение; после
	// восстановления REGISTER уходит, lease не истекает молча.
	renewal := ft.waitRequest(t, 1)
	require.Equal(t, "REGISTER", renewal.Method)

	firstSeq, _, _ := first.CSeq()
	renewSeq, _, _ := renewal.CSeq()
	assert.Greater(t, renewSeq, firstSeq)

	ft.deliver(t, message.NewResponse(renewal, 200).Build().String())
	assert.Equal(t, softphone.RegistrationOk, session.RegistrationState())
}

// TestEngineReRegisterAfterTransportLoss обрыв транспорта сбрасывает
// регистрацию; после восстановления она переотправляется сама
func TestEngineReRegisterAfterTransportLoss(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	ft.setState(transport.StateDisconnected, errors.New("connection reset"))

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	require.Equal(t, softphone.RegistrationNone, session.RegistrationState())

	evt := waitEvent(t, events, event.KindTransportStateChanged)
	assert.Equal(t, "disconnected", evt.Transport.State)

	ft.setState(transport.StateConnected, nil)

	reRegister := ft.waitRequest(t, 1)
	require.Equal(t, "REGISTER", reRegister.Method)

	// CSeq продолжает расти, сброса при обрыве нет.
	seq, _, err := reRegister.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq)

	ft.deliver(t, message.NewResponse(reRegister, 200).Build().String())
	assert.Equal(t, softphone.RegistrationOk, session.RegistrationState())
}

func TestEngineUnregister(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	require.NoError(t, eng.Unregister(context.Background(), accountID))

	deregister := ft.waitRequest(t, 1)
	assert.Equal(t, "REGISTER", deregister.Method)
	assert.Equal(t, "0", deregister.GetHeader("Expires"), "снятие регистрации нулевым Expires")

	// Сессия уничтожена.
	_, err := eng.Session(accountID)
	assert.ErrorIs(t, err, softphone.ErrUnknownAccount)
}

func TestEngineDialRequiresRegistration(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)

	accountID, err := eng.Register(context.Background(), softphone.Account{
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)
	_ = ft.waitRequest(t, 0) // регистрация еще не подтверждена

	_, err = eng.Dial(context.Background(), accountID, "bob")
	assert.ErrorIs(t, err, softphone.ErrNotRegistered)
}

// TestEngineOutgoingCall полный исходящий путь: INVITE, 180, 200,
// ACK, разговор, BYE
func TestEngineOutgoingCall(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	callID, err := eng.Dial(context.Background(), accountID, "bob")
	require.NoError(t, err)

	invite := ft.waitRequest(t, 1)
	require.Equal(t, "INVITE", invite.Method)
	assert.Equal(t, callID, invite.CallID())
	assert.Equal(t, "bob", invite.RequestURI.User)
	assert.Equal(t, "example.com", invite.RequestURI.Host, "голый номер дополняется доменом")
	assert.Contains(t, string(invite.Body()), "m=audio", "INVITE несет SDP offer")

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	call := session.ActiveCall()
	require.NotNil(t, call)
	assert.Equal(t, softphone.CallStateCalling, call.State())

	// 180 Ringing
	ft.deliver(t, message.NewResponse(invite, 180).ToTag("remote-tag").Build().String())
	assert.Equal(t, softphone.CallStateRinging, call.State())

	// 200 OK с answer
	ft.deliver(t, message.NewResponse(invite, 200).
		ToTag("remote-tag").
		Body("application/sdp", []byte(peerSDP)).
		Build().String())

	ack := ft.waitRequest(t, 2)
	require.Equal(t, "ACK", ack.Method)
	assert.Equal(t, callID, ack.CallID())
	assert.Contains(t, ack.GetHeader("To"), "tag=remote-tag")

	// CSeq номер ACK совпадает с номером INVITE.
	inviteSeq, _, _ := invite.CSeq()
	ackSeq, _, _ := ack.CSeq()
	assert.Equal(t, inviteSeq, ackSeq)

	assert.Equal(t, softphone.CallStateConnected, call.State())
	connected := waitEvent(t, events, event.KindCallConnected)
	assert.Equal(t, callID, connected.Call.CallID)
	assert.Greater(t, connected.Call.SetupTime, time.Duration(0))

	// Завершение: BYE и подтверждение.
	require.NoError(t, eng.Hangup(context.Background(), accountID))
	bye := ft.waitRequest(t, 3)
	require.Equal(t, "BYE", bye.Method)
	assert.Equal(t, softphone.CallStateEnding, call.State())

	ft.deliver(t, message.NewResponse(bye, 200).Build().String())
	assert.Equal(t, softphone.CallStateEnded, call.State())

	ended := waitEvent(t, events, event.KindCallEnded)
	assert.Equal(t, "hangup", ended.Call.EndReason)
	assert.Nil(t, session.ActiveCall(), "после завершения активного звонка нет")
}

// TestEngineOutgoingCallRejected отказ пира завершает звонок с
// производной причиной
func TestEngineOutgoingCallRejected(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	_, err := eng.Dial(context.Background(), accountID, "bob")
	require.NoError(t, err)
	invite := ft.waitRequest(t, 1)

	ft.deliver(t, message.NewResponse(invite, 486).ToTag("r").Build().String())

	// Отказ подтверждается ACK.
	ack := ft.waitRequest(t, 2)
	assert.Equal(t, "ACK", ack.Method)

	ended := waitEvent(t, events, event.KindCallEnded)
	assert.Equal(t, "busy", ended.Call.EndReason)
}

// TestEngineCancelOutgoing hangup до финального ответа отправляет
// CANCEL с CSeq номером и branch исходного INVITE
func TestEngineCancelOutgoing(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	_, err := eng.Dial(context.Background(), accountID, "bob")
	require.NoError(t, err)
	invite := ft.waitRequest(t, 1)
	ft.deliver(t, message.NewResponse(invite, 180).ToTag("r").Build().String())

	require.NoError(t, eng.Hangup(context.Background(), accountID))

	cancel := ft.waitRequest(t, 2)
	require.Equal(t, "CANCEL", cancel.Method)

	inviteSeq, _, _ := invite.CSeq()
	cancelSeq, _, _ := cancel.CSeq()
	assert.Equal(t, inviteSeq, cancelSeq, "CANCEL несет CSeq номер INVITE")
	assert.Equal(t, invite.GetHeader("Via"), cancel.GetHeader("Via"), "CANCEL несет branch INVITE")

	ended := waitEvent(t, events, event.KindCallEnded)
	assert.Equal(t, "cancelled", ended.Call.EndReason)
}

func TestEngineOneCallPerAccount(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	_, err := eng.Dial(context.Background(), accountID, "bob")
	require.NoError(t, err)

	_, err = eng.Dial(context.Background(), accountID, "carol")
	assert.ErrorIs(t, err, softphone.ErrCallAlreadyActive)
}

func peerInvite(t *testing.T, callID string) *message.Request {
	t.Helper()
	alice := &message.URI{Scheme: "sip", User: "alice", Host: "example.com"}
	bob := &message.URI{Scheme: "sip", User: "bob", Host: "peer.example.com"}

	req, err := message.NewRequest("INVITE", alice).
		Via("WS", "peer.invalid", message.GenerateBranch()).
		From("Bob", bob, "bob-tag").
		To(alice, "").
		CallID(callID).
		CSeq(1, "INVITE").
		Contact(bob, nil).
		Body("application/sdp", []byte(peerSDP)).
		Build()
	require.NoError(t, err)
	return req
}

// TestEngineIncomingCall входящий INVITE: 180, принятие, ACK,
// разговор, BYE от пира
func TestEngineIncomingCall(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	invite := peerInvite(t, "incoming-1@peer.invalid")
	ft.deliver(t, invite.String())

	// Движок сразу отвечает 180 Ringing с локальным тегом.
	ringing := ft.waitResponse(t, 1)
	assert.Equal(t, 180, ringing.StatusCode)
	assert.NotEmpty(t, message.ExtractTag(ringing.GetHeader("To")))

	incoming := waitEvent(t, events, event.KindIncomingCall)
	assert.Equal(t, "incoming-1@peer.invalid", incoming.Call.CallID)
	assert.Contains(t, incoming.Call.Remote, "bob")

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	call := session.ActiveCall()
	require.NotNil(t, call)
	assert.Equal(t, softphone.CallStateIncoming, call.State())

	// Принимаем: уходит 200 с SDP answer.
	require.NoError(t, eng.Accept(context.Background(), accountID))
	answer := ft.waitResponse(t, 2)
	assert.Equal(t, 200, answer.StatusCode)
	assert.Contains(t, string(answer.Body()), "m=audio")
	assert.Equal(t, softphone.CallStateAccepting, call.State())

	// ACK пира подтверждает соединение.
	alice := &message.URI{Scheme: "sip", User: "alice", Host: "example.com"}
	ack, err := message.NewRequest("ACK", alice).
		Via("WS", "peer.invalid", message.GenerateBranch()).
		From("Bob", &message.URI{Scheme: "sip", User: "bob", Host: "peer.example.com"}, "bob-tag").
		To(alice, message.ExtractTag(answer.GetHeader("To"))).
		CallID("incoming-1@peer.invalid").
		CSeq(1, "ACK").
		Build()
	require.NoError(t, err)
	ft.deliver(t, ack.String())

	assert.Equal(t, softphone.CallStateConnected, call.State())
	waitEvent(t, events, event.KindCallConnected)

	// Пир кладет трубку: BYE → 200, звонок завершен.
	bye, err := message.NewRequest("BYE", alice).
		Via("WS", "peer.invalid", message.GenerateBranch()).
		From("Bob", &message.URI{Scheme: "sip", User: "bob", Host: "peer.example.com"}, "bob-tag").
		To(alice, message.ExtractTag(answer.GetHeader("To"))).
		CallID("incoming-1@peer.invalid").
		CSeq(2, "BYE").
		Build()
	require.NoError(t, err)
	ft.deliver(t, bye.String())

	byeOK := ft.waitResponse(t, 3)
	assert.Equal(t, 200, byeOK.StatusCode)

	ended := waitEvent(t, events, event.KindCallEnded)
	assert.Equal(t, "hangup", ended.Call.EndReason)
}

// TestEngineDeclineIncoming отклонение шлет определенный отказ с
// тегом в To
func TestEngineDeclineIncoming(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	ft.deliver(t, peerInvite(t, "decline-1@peer.invalid").String())
	waitEvent(t, events, event.KindIncomingCall)

	require.NoError(t, eng.Decline(context.Background(), accountID))

	busy := ft.waitResponse(t, 2)
	assert.Equal(t, 486, busy.StatusCode)
	assert.NotEmpty(t, message.ExtractTag(busy.GetHeader("To")),
		"отказ несет локальный тег")

	ended := waitEvent(t, events, event.KindCallEnded)
	assert.Equal(t, "declined", ended.Call.EndReason)
}

// TestEngineCancelledIncoming CANCEL пира до принятия: 200 на CANCEL,
// 487 на INVITE, причина cancelled
func TestEngineCancelledIncoming(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	registerAccount(t, eng, ft)

	invite := peerInvite(t, "cancel-1@peer.invalid")
	ft.deliver(t, invite.String())
	waitEvent(t, events, event.KindIncomingCall)

	alice := &message.URI{Scheme: "sip", User: "alice", Host: "example.com"}
	cancel, err := message.NewRequest("CANCEL", alice).
		Via("WS", "peer.invalid", message.GenerateBranch()).
		From("Bob", &message.URI{Scheme: "sip", User: "bob", Host: "peer.example.com"}, "bob-tag").
		To(alice, "").
		CallID("cancel-1@peer.invalid").
		CSeq(1, "CANCEL").
		Build()
	require.NoError(t, err)
	ft.deliver(t, cancel.String())

	cancelOK := ft.waitResponse(t, 2)
	assert.Equal(t, 200, cancelOK.StatusCode)
	terminated := ft.waitResponse(t, 3)
	assert.Equal(t, 487, terminated.StatusCode)

	ended := waitEvent(t, events, event.KindCallEnded)
	assert.Equal(t, "cancelled", ended.Call.EndReason)
}

// TestEngineBusyOnSecondInvite при живом звонке новый INVITE
// отклоняется 486
func TestEngineBusyOnSecondInvite(t *testing.T) {
	eng, ft, events := newTestEngine(t, nil)
	registerAccount(t, eng, ft)

	ft.deliver(t, peerInvite(t, "first@peer.invalid").String())
	waitEvent(t, events, event.KindIncomingCall)

	ft.deliver(t, peerInvite(t, "second@peer.invalid").String())
	busy := ft.waitResponse(t, 2)
	assert.Equal(t, 486, busy.StatusCode)
	assert.Equal(t, "second@peer.invalid", busy.CallID())
}

// TestEngineHoldResume hold шлет re-INVITE с sendonly, resume
// возвращает sendrecv
func TestEngineHoldResume(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	_, err := eng.Dial(context.Background(), accountID, "bob")
	require.NoError(t, err)
	invite := ft.waitRequest(t, 1)
	ft.deliver(t, message.NewResponse(invite, 200).
		ToTag("remote-tag").
		Body("application/sdp", []byte(peerSDP)).
		Build().String())
	_ = ft.waitRequest(t, 2) // ACK

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	call := session.ActiveCall()
	require.Equal(t, softphone.CallStateConnected, call.State())

	require.NoError(t, eng.Hold(context.Background(), accountID))
	holdInvite := ft.waitRequest(t, 3)
	require.Equal(t, "INVITE", holdInvite.Method)
	assert.Contains(t, string(holdInvite.Body()), "a=sendonly")
	assert.Contains(t, holdInvite.GetHeader("To"), "tag=remote-tag")
	assert.Equal(t, softphone.CallStateHolding, call.State())

	// Повторный hold отвергается без побочных эффектов.
	require.Error(t, eng.Hold(context.Background(), accountID))

	ft.deliver(t, message.NewResponse(holdInvite, 200).
		Body("application/sdp", []byte(peerSDP)).
		Build().String())
	reinviteAck := ft.waitRequest(t, 4)
	require.Equal(t, "ACK", reinviteAck.Method)

	require.NoError(t, eng.Resume(context.Background(), accountID))
	resumeInvite := ft.waitRequest(t, 5)
	assert.Contains(t, string(resumeInvite.Body()), "a=sendrecv")
	assert.Equal(t, softphone.CallStateConnected, call.State())
}

// TestEngineDTMF цифры принимаются только в connected
func TestEngineDTMF(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	// Без звонка все цифры отвергаются.
	accepted, err := eng.SendDTMF(accountID, "123")
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)

	_, err = eng.Dial(context.Background(), accountID, "bob")
	require.NoError(t, err)
	invite := ft.waitRequest(t, 1)

	// В calling тоже отвергаются.
	accepted, _ = eng.SendDTMF(accountID, "1")
	assert.Equal(t, 0, accepted)

	ft.deliver(t, message.NewResponse(invite, 200).
		ToTag("r").
		Body("application/sdp", []byte(peerSDP)).
		Build().String())
	_ = ft.waitRequest(t, 2) // ACK

	accepted, err = eng.SendDTMF(accountID, "1*9#")
	require.NoError(t, err)
	assert.Equal(t, 4, accepted)

	// Цифры вне алфавита отбрасываются поштучно.
	accepted, _ = eng.SendDTMF(accountID, "1x2")
	assert.Equal(t, 2, accepted)
}

func TestEngineUnknownAccount(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)

	_, err := eng.Dial(context.Background(), "ghost@example.com", "bob")
	assert.ErrorIs(t, err, softphone.ErrUnknownAccount)

	err = eng.Hangup(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, softphone.ErrUnknownAccount)
}

func TestEngineDispose(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)
	registerAccount(t, eng, ft)

	eng.Dispose()

	_, err := eng.Register(context.Background(), softphone.Account{
		Username: "bob", Password: "x",
	})
	assert.ErrorIs(t, err, softphone.ErrDisposed)

	_, err = eng.Dial(context.Background(), "alice@example.com", "bob")
	assert.ErrorIs(t, err, softphone.ErrDisposed)

	// Повторный Dispose безопасен.
	eng.Dispose()
}

// TestEngineIgnoresGarbage неразбираемое сообщение не меняет состояние
func TestEngineIgnoresGarbage(t *testing.T) {
	eng, ft, _ := newTestEngine(t, nil)
	accountID := registerAccount(t, eng, ft)

	ft.deliver(t, "полный мусор, не SIP")
	ft.deliver(t, "")

	session, err := eng.Session(accountID)
	require.NoError(t, err)
	assert.Equal(t, softphone.RegistrationOk, session.RegistrationState())
}
