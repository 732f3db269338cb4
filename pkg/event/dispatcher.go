package event

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize размер кольцевого буфера по умолчанию
const DefaultBufferSize = 256

// Dispatcher рассылает события набору наблюдателей.
//
// Emit не блокирует производителя: событие кладется в ограниченный
// буфер, при переполнении вытесняется самое старое (доставка best-effort,
// at-most-once). Доставка идет из снимка текущего списка наблюдателей;
// паника одного наблюдателя логируется и не ломает рассылку остальным.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer

	buf     chan Event
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// onPanic вызывается при панике наблюдателя (для логирования)
	onPanic func(observer Observer, recovered interface{})
}

// NewDispatcher создает диспетчер и запускает горутину доставки.
// bufferSize <= 0 означает DefaultBufferSize.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		buf:  make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.deliverLoop()
	return d
}

// SetPanicHandler устанавливает обработчик паник наблюдателей
func (d *Dispatcher) SetPanicHandler(h func(observer Observer, recovered interface{})) {
	d.mu.Lock()
	d.onPanic = h
	d.mu.Unlock()
}

// Subscribe добавляет наблюдателя
func (d *Dispatcher) Subscribe(o Observer) {
	if o == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.observers {
		if existing == o {
			return
		}
	}
	d.observers = append(d.observers, o)
}

// Unsubscribe удаляет наблюдателя
func (d *Dispatcher) Unsubscribe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.observers {
		if existing == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}

// Emit ставит событие в очередь доставки, не блокируя вызывающего.
// При переполненном буфере вытесняется самое старое событие.
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.buf <- e:
		return
	default:
	}

	// Буфер полон: вытесняем старейшее и пробуем еще раз.
	select {
	case <-d.buf:
		d.dropped.Add(1)
	default:
	}
	select {
	case d.buf <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped возвращает число вытесненных событий
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close останавливает доставку. События, оставшиеся в буфере,
// доставляются перед выходом.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) deliverLoop() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.buf:
			d.deliver(e)
		case <-d.done:
			// Дренируем остаток буфера.
			for {
				select {
				case e := <-d.buf:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// deliver рассылает событие снимку наблюдателей
func (d *Dispatcher) deliver(e Event) {
	d.mu.RLock()
	snapshot := make([]Observer, len(d.observers))
	copy(snapshot, d.observers)
	onPanic := d.onPanic
	d.mu.RUnlock()

	for _, o := range snapshot {
		d.safeHandle(o, e, onPanic)
	}
}

func (d *Dispatcher) safeHandle(o Observer, e Event, onPanic func(Observer, interface{})) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(o, r)
		}
	}()
	o.HandleEvent(e)
}
