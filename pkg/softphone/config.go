package softphone

import (
	"fmt"
	"strings"
	"time"
)

// Config конфигурация движка, только читаемая им. Все поля задаются
// приложением до создания движка.
type Config struct {
	// Domain SIP домен аккаунтов (realm по умолчанию)
	Domain string

	// TransportURL адрес сигнального сервера (ws:// или wss://)
	TransportURL string

	// SubProtocol токен Sec-WebSocket-Protocol
	SubProtocol string

	// UserAgent строка User-Agent исходящих запросов
	UserAgent string

	// AutoReconnect включает переподключение при обрыве транспорта
	AutoReconnect bool

	// PingInterval интервал keepalive ping транспорта
	PingInterval time.Duration

	// RegisterExpiry запрашиваемое время жизни регистрации
	RegisterExpiry time.Duration

	// RenewalMargin запас до истечения, за который продлевается
	// регистрация
	RenewalMargin time.Duration

	// RequestTimeout ограничение на round-trip запроса
	RequestTimeout time.Duration

	// HealthCheckInterval период проверки живости транспорта
	HealthCheckInterval time.Duration

	// DTMFDuration длительность одной цифры по умолчанию
	DTMFDuration time.Duration

	// DTMFGap межцифровая пауза; цифры никогда не перекрываются
	DTMFGap time.Duration

	// EventBufferSize размер буфера диспетчера событий
	EventBufferSize int

	// CustomHeaders добавляются к каждому исходящему запросу
	CustomHeaders map[string]string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		UserAgent:           "sip-library/1.0",
		AutoReconnect:       true,
		PingInterval:        30 * time.Second,
		RegisterExpiry:      3600 * time.Second,
		RenewalMargin:       60 * time.Second,
		RequestTimeout:      32 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		DTMFDuration:        160 * time.Millisecond,
		DTMFGap:             70 * time.Millisecond,
		EventBufferSize:     256,
	}
}

// withDefaults дополняет нулевые поля значениями по умолчанию
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = def.RegisterExpiry
	}
	if c.RenewalMargin <= 0 {
		c.RenewalMargin = def.RenewalMargin
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = def.DTMFDuration
	}
	if c.DTMFGap <= 0 {
		c.DTMFGap = def.DTMFGap
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = def.EventBufferSize
	}
	return c
}

// Validate проверяет обязательные поля
func (c Config) Validate() error {
	if c.Domain == "" {
		return newError("CONFIG_INVALID", "не задан Domain", ErrorCategoryConfig)
	}
	if c.TransportURL == "" {
		return newError("CONFIG_INVALID", "не задан TransportURL", ErrorCategoryConfig)
	}
	if !strings.HasPrefix(c.TransportURL, "ws://") && !strings.HasPrefix(c.TransportURL, "wss://") {
		return newError("CONFIG_INVALID",
			fmt.Sprintf("TransportURL должен быть ws:// или wss://: %s", c.TransportURL),
			ErrorCategoryConfig)
	}
	if c.RenewalMargin >= c.RegisterExpiry && c.RegisterExpiry > 0 {
		return newError("CONFIG_INVALID",
			"RenewalMargin должен быть меньше RegisterExpiry", ErrorCategoryConfig)
	}
	return nil
}
