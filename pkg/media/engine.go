package media

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
)

// EngineConfig конфигурация референсного медиа-движка
type EngineConfig struct {
	// Host адрес, публикуемый в SDP
	Host string

	// Port порт аудио потока в SDP
	Port int

	// PayloadType тип полезной нагрузки аудио кодека (0 = PCMU)
	PayloadType uint8

	// DTMFPayloadType тип нагрузки telephone-event (обычно 101)
	DTMFPayloadType uint8

	// SessionName имя сессии в SDP
	SessionName string

	// ToneSink приемник сгенерированных тоновых RTP пакетов.
	// nil означает, что пакеты отбрасываются (полезно в тестах).
	ToneSink ToneSink
}

// DefaultEngineConfig возвращает конфигурацию по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Host:            "127.0.0.1",
		Port:            20000,
		PayloadType:     0, // PCMU
		DTMFPayloadType: 101,
		SessionName:     "call",
	}
}

// DefaultEngine референсная реализация Engine: строит SDP через
// pion/sdp и генерирует RFC 4733 тоновые пакеты через pion/rtp.
// Сокетов не открывает; пакеты уходят в настраиваемый ToneSink.
type DefaultEngine struct {
	config EngineConfig

	mu           sync.Mutex
	audioEnabled bool
	disposed     bool
	sessionVer   uint64
	tones        *ToneGenerator
}

// NewDefaultEngine создает движок с данной конфигурацией
func NewDefaultEngine(config EngineConfig) *DefaultEngine {
	def := DefaultEngineConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.DTMFPayloadType == 0 {
		config.DTMFPayloadType = def.DTMFPayloadType
	}
	if config.SessionName == "" {
		config.SessionName = def.SessionName
	}
	return &DefaultEngine{
		config:       config,
		audioEnabled: true,
		tones:        NewToneGenerator(config.DTMFPayloadType),
	}
}

// CreateOffer создает локальный SDP offer
func (e *DefaultEngine) CreateOffer() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return "", fmt.Errorf("media: engine disposed")
	}
	e.sessionVer++
	return e.buildDescription(e.audioEnabled)
}

// CreateAnswer создает SDP answer на удаленный offer. Offer
// парсится для валидации; согласование кодеков вне зоны движка.
func (e *DefaultEngine) CreateAnswer(remoteOffer string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return "", fmt.Errorf("media: engine disposed")
	}

	var offer sdp.SessionDescription
	if err := offer.Unmarshal([]byte(remoteOffer)); err != nil {
		return "", fmt.Errorf("media: некорректный удаленный offer: %w", err)
	}

	e.sessionVer++
	return e.buildDescription(e.audioEnabled)
}

// SetAudioEnabled включает/выключает аудио направление
func (e *DefaultEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	e.audioEnabled = enabled
	e.mu.Unlock()
}

// SendTone генерирует тоновые пакеты для каждой цифры и отдает их в sink
func (e *DefaultEngine) SendTone(digits string, durationMs, gapMs int) bool {
	e.mu.Lock()
	disposed := e.disposed
	sink := e.config.ToneSink
	e.mu.Unlock()
	if disposed {
		return false
	}

	parsed, err := ParseDigits(digits)
	if err != nil {
		return false
	}

	for _, d := range parsed {
		packets, err := e.tones.Generate(ToneEvent{
			Digit:    d,
			Duration: time.Duration(durationMs) * time.Millisecond,
		})
		if err != nil {
			return false
		}
		if sink != nil {
			sink.WriteTonePackets(packets)
		}
	}
	return true
}

// Dispose освобождает движок; последующие вызовы отвергаются
func (e *DefaultEngine) Dispose() {
	e.mu.Lock()
	e.disposed = true
	e.mu.Unlock()
}

// buildDescription собирает аудио SDP; при enabled=false направление
// a=sendonly (hold согласно RFC 3264)
func (e *DefaultEngine) buildDescription(enabled bool) (string, error) {
	now := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now + e.sessionVer,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: e.config.Host,
		},
		SessionName: sdp.SessionName(e.config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: e.config.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: e.config.Port},
			Protos: []string{"RTP", "AVP"},
			Formats: []string{
				strconv.Itoa(int(e.config.PayloadType)),
				strconv.Itoa(int(e.config.DTMFPayloadType)),
			},
		},
	}
	audio.WithValueAttribute("rtpmap",
		fmt.Sprintf("%d PCMU/8000", e.config.PayloadType))
	audio.WithValueAttribute("rtpmap",
		fmt.Sprintf("%d telephone-event/8000", e.config.DTMFPayloadType))
	direction := "sendrecv"
	if !enabled {
		direction = "sendonly"
	}
	audio.WithPropertyAttribute(direction)
	desc.MediaDescriptions = append(desc.MediaDescriptions, audio)

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("media: ошибка сборки SDP: %w", err)
	}
	return string(raw), nil
}

var _ Engine = (*DefaultEngine)(nil)
