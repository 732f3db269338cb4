package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddyslarez/sip-library-sub000/pkg/event"
)

// collector потокобезопасный наблюдатель для тестов
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) HandleEvent(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func TestDispatcherDelivery(t *testing.T) {
	d := event.NewDispatcher(16)
	defer d.Close()

	c := &collector{}
	d.Subscribe(c)

	d.Emit(event.Event{Kind: event.KindRegistrationChanged, Account: "alice@example.com"})
	d.Emit(event.Event{Kind: event.KindCallStateChanged, Account: "alice@example.com"})

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	got := c.snapshot()
	assert.Equal(t, event.KindRegistrationChanged, got[0].Kind)
	assert.Equal(t, event.KindCallStateChanged, got[1].Kind)
	assert.False(t, got[0].Time.IsZero(), "время проставляется при эмиссии")
}

// TestDispatcherOrdering события доставляются в порядке эмиссии
func TestDispatcherOrdering(t *testing.T) {
	d := event.NewDispatcher(128)
	defer d.Close()

	c := &collector{}
	d.Subscribe(c)

	const n = 100
	for i := 0; i < n; i++ {
		d.Emit(event.Event{Kind: event.KindCallStateChanged, Account: "a", Call: &event.CallInfo{CallID: string(rune('0' + i%10))}})
	}

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == n
	}, time.Second, 10*time.Millisecond)

	got := c.snapshot()
	for i, e := range got {
		assert.Equal(t, string(rune('0'+i%10)), e.Call.CallID)
	}
}

// TestDispatcherDropOldest при переполнении буфера вытесняется самое
// старое событие, эмиттер не блокируется
func TestDispatcherDropOldest(t *testing.T) {
	d := event.NewDispatcher(4)

	// Наблюдатель намеренно блокирует доставку, чтобы буфер
	// гарантированно переполнился.
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Subscribe(event.ObserverFunc(func(event.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))

	d.Emit(event.Event{Kind: event.KindError})
	<-started

	// Доставка занята первым событием; буфер вмещает 4, остальное
	// вытесняет старейшие.
	for i := 0; i < 20; i++ {
		d.Emit(event.Event{Kind: event.KindError})
	}
	assert.Greater(t, d.Dropped(), uint64(0), "часть событий должна быть вытеснена")

	close(release)
	d.Close()
}

// TestDispatcherPanicIsolation паника одного наблюдателя не ломает
// доставку остальным
func TestDispatcherPanicIsolation(t *testing.T) {
	d := event.NewDispatcher(16)
	defer d.Close()

	var panics int
	var panicsMu sync.Mutex
	d.SetPanicHandler(func(_ event.Observer, _ interface{}) {
		panicsMu.Lock()
		panics++
		panicsMu.Unlock()
	})

	d.Subscribe(event.ObserverFunc(func(event.Event) {
		panic("наблюдатель сломан")
	}))
	healthy := &collector{}
	d.Subscribe(healthy)

	d.Emit(event.Event{Kind: event.KindError})
	d.Emit(event.Event{Kind: event.KindError})

	require.Eventually(t, func() bool {
		return len(healthy.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	panicsMu.Lock()
	defer panicsMu.Unlock()
	assert.Equal(t, 2, panics)
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := event.NewDispatcher(16)
	defer d.Close()

	c := &collector{}
	d.Subscribe(c)
	d.Emit(event.Event{Kind: event.KindError})

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	d.Unsubscribe(c)
	d.Emit(event.Event{Kind: event.KindError})

	// Отписанный наблюдатель не получает новых событий.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

// TestDispatcherSubscribeDedup повторная подписка того же наблюдателя
// не дублирует доставку
func TestDispatcherSubscribeDedup(t *testing.T) {
	d := event.NewDispatcher(16)
	defer d.Close()

	c := &collector{}
	d.Subscribe(c)
	d.Subscribe(c)

	d.Emit(event.Event{Kind: event.KindError})

	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "registration_changed", event.KindRegistrationChanged.String())
	assert.Equal(t, "call_ended", event.KindCallEnded.String())
	assert.Equal(t, "unknown", event.Kind(99).String())
}
