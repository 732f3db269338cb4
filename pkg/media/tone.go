package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Digit DTMF цифра фиксированного алфавита 0-9 * # A-D (RFC 4733)
type Digit uint8

const (
	Digit0 Digit = iota
	Digit1
	Digit2
	Digit3
	Digit4
	Digit5
	Digit6
	Digit7
	Digit8
	Digit9
	DigitStar  // *
	DigitPound // #
	DigitA
	DigitB
	DigitC
	DigitD
)

var digitRunes = [16]rune{
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9',
	'*', '#', 'A', 'B', 'C', 'D',
}

func (d Digit) String() string {
	if d <= DigitD {
		return string(digitRunes[d])
	}
	return "?"
}

// ParseDigit преобразует символ в цифру; ok=false вне алфавита
func ParseDigit(r rune) (Digit, bool) {
	switch {
	case r >= '0' && r <= '9':
		return Digit(r - '0'), true
	case r == '*':
		return DigitStar, true
	case r == '#':
		return DigitPound, true
	case r >= 'A' && r <= 'D':
		return DigitA + Digit(r-'A'), true
	case r >= 'a' && r <= 'd':
		return DigitA + Digit(r-'a'), true
	default:
		return 0, false
	}
}

// ParseDigits преобразует строку в последовательность цифр
func ParseDigits(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for _, r := range s {
		d, ok := ParseDigit(r)
		if !ok {
			return nil, fmt.Errorf("media: недопустимый DTMF символ: %c", r)
		}
		digits = append(digits, d)
	}
	return digits, nil
}

// ToneEvent одно тоновое событие
type ToneEvent struct {
	Digit    Digit
	Duration time.Duration
	Volume   int8 // уровень в -dBm, 0 означает -10 dBm по умолчанию
}

// ToneSink принимает сгенерированные тоновые RTP пакеты
type ToneSink interface {
	WriteTonePackets(packets []*rtp.Packet)
}

// ToneSinkFunc адаптер функции к ToneSink
type ToneSinkFunc func(packets []*rtp.Packet)

func (f ToneSinkFunc) WriteTonePackets(packets []*rtp.Packet) { f(packets) }

// ToneGenerator генерирует RTP пакеты telephone-event (RFC 4733).
// Начальный и конечный пакеты события отправляются трижды для
// надежности при потерях.
type ToneGenerator struct {
	payloadType uint8
	ssrc        uint32
	seqNum      uint16
	timestamp   uint32
}

// NewToneGenerator создает генератор для данного payload type
func NewToneGenerator(payloadType uint8) *ToneGenerator {
	return &ToneGenerator{payloadType: payloadType}
}

// SetSSRC устанавливает SSRC исходящих пакетов
func (g *ToneGenerator) SetSSRC(ssrc uint32) {
	g.ssrc = ssrc
}

// Generate генерирует пакеты одного тонового события
func (g *ToneGenerator) Generate(event ToneEvent) ([]*rtp.Packet, error) {
	if event.Duration <= 0 {
		return nil, fmt.Errorf("media: длительность тона должна быть положительной")
	}
	if event.Digit > DigitD {
		return nil, fmt.Errorf("media: недопустимая цифра: %d", event.Digit)
	}

	// Длительность в единицах RTP timestamp (8000 Hz)
	samples := uint16(event.Duration.Seconds() * 8000)

	volume := uint8(10)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
		if volume > 63 {
			volume = 63
		}
	}

	g.timestamp += uint32(samples)
	packets := make([]*rtp.Packet, 0, 6)

	emit := func(end bool, marker bool) {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    g.payloadType,
				SequenceNumber: g.seqNum,
				Timestamp:      g.timestamp,
				SSRC:           g.ssrc,
			},
			Payload: encodeTonePayload(uint8(event.Digit), end, volume, samples),
		})
		g.seqNum++
	}

	for i := 0; i < 3; i++ {
		emit(false, i == 0)
	}
	for i := 0; i < 3; i++ {
		emit(true, false)
	}
	return packets, nil
}

// encodeTonePayload сериализует 4 байта нагрузки RFC 4733:
// event | E R volume | duration(16, big-endian)
func encodeTonePayload(event uint8, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event & 0x0F
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}
