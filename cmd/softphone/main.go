package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/eddyslarez/sip-library-sub000/pkg/event"
	"github.com/eddyslarez/sip-library-sub000/pkg/softphone"
)

// envConfig параметры подключения из окружения (.env поддерживается)
type envConfig struct {
	Domain       string `env:"SIP_DOMAIN,required"`
	TransportURL string `env:"SIP_WS_URL,required"`
	Username     string `env:"SIP_USERNAME,required"`
	Password     string `env:"SIP_PASSWORD,required"`
	DisplayName  string `env:"SIP_DISPLAY_NAME" envDefault:""`
	UserAgent    string `env:"SIP_USER_AGENT" envDefault:"softphone/1.0"`
}

func loadConfig() (*envConfig, error) {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		// .env опционален: боевое окружение задает переменные напрямую
		_ = godotenv.Load()
	} else if err := godotenv.Load(envfile); err != nil {
		return nil, err
	}

	cfg := new(envConfig)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	var (
		mode   = flag.String("mode", "listen", "Режим: listen, dial")
		target = flag.String("target", "", "Цель набора для режима dial")
		debug  = flag.Bool("debug", false, "Отладочный лог")
	)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}

	level := softphone.LogLevelInfo
	if *debug {
		level = softphone.LogLevelDebug
	}

	engine, err := softphone.New(softphone.Config{
		Domain:       cfg.Domain,
		TransportURL: cfg.TransportURL,
		UserAgent:    cfg.UserAgent,
	}, softphone.WithLogger(softphone.NewDefaultLogger(level)))
	if err != nil {
		log.Fatalf("Ошибка создания движка: %v", err)
	}
	defer engine.Dispose()

	engine.Subscribe(event.ObserverFunc(printEvent))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accountID, err := engine.Register(ctx, softphone.Account{
		Username:    cfg.Username,
		Password:    cfg.Password,
		DisplayName: cfg.DisplayName,
	})
	if err != nil {
		log.Fatalf("Ошибка регистрации: %v", err)
	}
	log.Printf("Регистрация запущена: %s", accountID)

	switch *mode {
	case "listen":
		// Входящие звонки принимаются автоматически через 2 секунды
		// после события incoming_call (демонстрационное поведение).
		engine.Subscribe(event.ObserverFunc(func(e event.Event) {
			if e.Kind != event.KindIncomingCall {
				return
			}
			log.Printf("Входящий звонок от %s, принимаем...", e.Call.Remote)
			time.AfterFunc(2*time.Second, func() {
				if err := engine.Accept(ctx, accountID); err != nil {
					log.Printf("Ошибка принятия: %v", err)
				}
			})
		}))

	case "dial":
		if *target == "" {
			log.Fatal("Режим dial требует -target")
		}
		// Даем регистрации завершиться перед набором.
		waitRegistered(ctx, engine, accountID, 10*time.Second)
		callID, err := engine.Dial(ctx, accountID, *target)
		if err != nil {
			log.Fatalf("Ошибка набора: %v", err)
		}
		log.Printf("Звонок начат: %s", callID)

	default:
		fmt.Printf("Неизвестный режим: %s\n", *mode)
		fmt.Println("Доступные режимы: listen, dial")
		os.Exit(1)
	}

	<-ctx.Done()
	log.Println("Завершение...")
	if err := engine.Unregister(context.Background(), accountID); err != nil {
		log.Printf("Ошибка снятия регистрации: %v", err)
	}
}

func waitRegistered(ctx context.Context, engine *softphone.Engine, accountID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		session, err := engine.Session(accountID)
		if err == nil && session.RegistrationState() == softphone.RegistrationOk {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	log.Println("Регистрация не завершилась вовремя, продолжаем")
}

func printEvent(e event.Event) {
	switch e.Kind {
	case event.KindRegistrationChanged:
		log.Printf("[%s] регистрация: %s -> %s %s",
			e.Account, e.Registration.Previous, e.Registration.State, e.Registration.Reason)
	case event.KindCallStateChanged:
		log.Printf("[%s] звонок %s: %s -> %s",
			e.Account, e.Call.CallID, e.Call.Previous, e.Call.State)
	case event.KindCallConnected:
		log.Printf("[%s] соединение установлено за %s", e.Account, e.Call.SetupTime)
	case event.KindCallEnded:
		log.Printf("[%s] звонок завершен: %s", e.Account, e.Call.EndReason)
	case event.KindTransportStateChanged:
		log.Printf("[%s] транспорт: %s %s", e.Account, e.Transport.State, e.Transport.Error)
	case event.KindAuthFailure:
		log.Printf("[%s] ошибка аутентификации: %s", e.Account, e.Failure.Reason)
	case event.KindError:
		log.Printf("[%s] ошибка: %s %s", e.Account, e.Failure.Code, e.Failure.Reason)
	}
}
