// Package media определяет интерфейс внешнего медиа-движка, который
// сигнальный движок потребляет, но не владеет им: создание SDP
// offer/answer, управление звуком и отправка DTMF тонов.
package media

// Engine внешний медиа-движок. Движок сигнализации вызывает его при
// установлении звонка и при отправке тонов; реализация (захват звука,
// кодеки, RTP транспорт) полностью снаружи.
type Engine interface {
	// CreateOffer создает локальный SDP offer для исходящего звонка
	CreateOffer() (string, error)

	// CreateAnswer создает SDP answer на удаленный offer
	CreateAnswer(remoteOffer string) (string, error)

	// SetAudioEnabled включает/выключает аудио (hold/resume, mute)
	SetAudioEnabled(enabled bool)

	// SendTone отправляет DTMF цифры; false означает отказ движка
	SendTone(digits string, durationMs, gapMs int) bool

	// Dispose освобождает ресурсы движка
	Dispose()
}
