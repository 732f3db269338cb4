package softphone

import (
	"context"
	"sync"
	"time"

	"github.com/eddyslarez/sip-library-sub000/pkg/media"
)

// dtmfRequest один запрос тона в очереди
type dtmfRequest struct {
	digit      media.Digit
	duration   time.Duration
	enqueuedAt time.Time
}

// DTMFDispatcher сериализует отправку DTMF тонов активного звонка.
//
// FIFO под собственным мьютексом, независимым от блокировки состояния
// звонка; единственная задача-дренер доставляет по одному запросу в
// медиа-движок и выдерживает межцифровую паузу, так что тоны никогда
// не перекрываются во времени. Ошибка отправки отдельной цифры
// проглатывается и не останавливает очередь.
type DTMFDispatcher struct {
	mu       sync.Mutex
	queue    []dtmfRequest
	inFlight bool

	// gen растет при каждом Clear и инвалидирует дренер, спящий в
	// межцифровой паузе: проснувшись, он видит чужое поколение и
	// завершается, не трогая очередь нового звонка
	gen uint64

	engine   media.Engine
	gap      time.Duration
	duration time.Duration

	// connected сообщает, находится ли звонок в connected
	connected func() bool

	ctx    context.Context
	logger StructuredLogger

	// onSent вызывается после успешной доставки цифры (метрики)
	onSent func()
}

// newDTMFDispatcher создает диспетчер для одной сессии
func newDTMFDispatcher(ctx context.Context, engine media.Engine, connected func() bool,
	duration, gap time.Duration, logger StructuredLogger, onSent func()) *DTMFDispatcher {
	return &DTMFDispatcher{
		engine:    engine,
		gap:       gap,
		duration:  duration,
		connected: connected,
		ctx:       ctx,
		logger:    logger.WithComponent("dtmf"),
		onSent:    onSent,
	}
}

// Enqueue ставит цифру в очередь. Отвергает символы вне алфавита
// 0-9 * # A-D и все запросы, пока звонок не в connected.
func (d *DTMFDispatcher) Enqueue(digit rune, duration time.Duration) bool {
	parsed, ok := media.ParseDigit(digit)
	if !ok {
		return false
	}
	if d.connected == nil || !d.connected() {
		return false
	}
	if duration <= 0 {
		duration = d.duration
	}

	d.mu.Lock()
	d.queue = append(d.queue, dtmfRequest{
		digit:      parsed,
		duration:   duration,
		enqueuedAt: time.Now(),
	})
	startDrain := !d.inFlight
	if startDrain {
		d.inFlight = true
	}
	gen := d.gen
	d.mu.Unlock()

	if startDrain {
		go d.drain(gen)
	}
	return true
}

// EnqueueSequence раскрывает строку в последовательность Enqueue,
// сохраняя порядок. Возвращает число принятых цифр.
func (d *DTMFDispatcher) EnqueueSequence(digits string) int {
	accepted := 0
	for _, r := range digits {
		if d.Enqueue(r, 0) {
			accepted++
		}
	}
	return accepted
}

// Pending возвращает число цифр в очереди
func (d *DTMFDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Clear опустошает очередь и сбрасывает флаг in-flight.
// Используется при завершении звонка.
func (d *DTMFDispatcher) Clear() {
	d.mu.Lock()
	d.queue = nil
	d.inFlight = false
	d.gen++
	d.mu.Unlock()
}

// drain доставляет запросы по одному до опустошения очереди. Дренер
// устаревшего поколения завершается, не трогая флаг in-flight: им
// уже владеет дренер, запущенный после Clear.
func (d *DTMFDispatcher) drain(gen uint64) {
	for {
		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.inFlight = false
			d.mu.Unlock()
			return
		}
		req := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if d.connected == nil || !d.connected() {
			// Звонок завершился, пока цифры ждали в очереди.
			d.Clear()
			return
		}

		sent := d.engine.SendTone(req.digit.String(),
			int(req.duration/time.Millisecond), int(d.gap/time.Millisecond))
		if sent {
			if d.onSent != nil {
				d.onSent()
			}
		} else {
			// Нефатально: цифра потеряна, очередь продолжается.
			d.logger.Warn("медиа-движок отверг тон", String("digit", req.digit.String()))
		}

		// Межцифровая пауза гарантирует неперекрытие тонов.
		select {
		case <-d.ctx.Done():
			d.Clear()
			return
		case <-time.After(req.duration + d.gap):
		}
	}
}
