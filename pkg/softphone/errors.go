package softphone

import (
	"fmt"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	ErrorCategoryAuth      ErrorCategory = "AUTH"
	ErrorCategoryProtocol  ErrorCategory = "PROTOCOL"
	ErrorCategoryState     ErrorCategory = "STATE"
	ErrorCategoryMedia     ErrorCategory = "MEDIA"
	ErrorCategoryConfig    ErrorCategory = "CONFIG"
	ErrorCategoryFatal     ErrorCategory = "FATAL"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// EngineError структурированная ошибка движка со стабильным кодом.
// Терминальные ошибки доходят до приложения ровно одним событием с
// этим кодом и человекочитаемой причиной.
type EngineError struct {
	Code      string        // стабильный код ошибки
	Message   string        // человекочитаемое сообщение
	Category  ErrorCategory // категория ошибки
	Retryable bool          // можно ли повторить операцию
	Cause     error         // исходная ошибка
}

// Error реализует интерфейс error
func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is сравнивает по коду, чтобы errors.Is работал с предопределенными
// ошибками-значениями
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// WithCause прикрепляет исходную ошибку
func (e *EngineError) WithCause(cause error) *EngineError {
	clone := *e
	clone.Cause = cause
	return &clone
}

func newError(code, msg string, category ErrorCategory) *EngineError {
	return &EngineError{Code: code, Message: msg, Category: category}
}

// Предопределенные ошибки-значения для использования с errors.Is

var (
	// ErrDisposed движок уничтожен; все отложенные операции
	// завершаются этой ошибкой вместо зависания
	ErrDisposed = newError("ENGINE_DISPOSED", "движок уничтожен", ErrorCategoryFatal)

	// ErrUnknownAccount операция над несуществующим/удаленным аккаунтом
	ErrUnknownAccount = newError("UNKNOWN_ACCOUNT", "аккаунт не найден", ErrorCategoryState)

	// ErrCallAlreadyActive второй звонок при живом CallSession
	ErrCallAlreadyActive = newError("CALL_ALREADY_ACTIVE", "звонок уже активен", ErrorCategoryState)

	// ErrNoActiveCall операция над отсутствующим звонком
	ErrNoActiveCall = newError("NO_ACTIVE_CALL", "нет активного звонка", ErrorCategoryState)

	// ErrNotRegistered звонок без действующей регистрации
	ErrNotRegistered = newError("NOT_REGISTERED", "аккаунт не зарегистрирован", ErrorCategoryState)

	// ErrTransportDown транспорт не подключен
	ErrTransportDown = newError("TRANSPORT_DOWN", "транспорт не подключен", ErrorCategoryTransport)
)

// ErrInvalidCallState операция в недопустимом состоянии звонка.
// Отвергается синхронно, без побочных событий.
func ErrInvalidCallState(operation string, state CallState) *EngineError {
	return newError(
		"INVALID_CALL_STATE",
		fmt.Sprintf("операция %q недопустима в состоянии %s", operation, state),
		ErrorCategoryState,
	)
}

// ErrInvalidRegistrationState операция в недопустимом состоянии регистрации
func ErrInvalidRegistrationState(operation string, state RegistrationState) *EngineError {
	return newError(
		"INVALID_REGISTRATION_STATE",
		fmt.Sprintf("операция %q недопустима в состоянии %s", operation, state),
		ErrorCategoryState,
	)
}

// ErrAuthFailed учетные данные отвергнуты после повторной попытки
func ErrAuthFailed(reason string) *EngineError {
	return newError(
		"AUTH_FAILED",
		fmt.Sprintf("аутентификация отклонена: %s", reason),
		ErrorCategoryAuth,
	)
}

// ErrRegistrationFailed регистрация завершилась неуспехом
func ErrRegistrationFailed(reason string) *EngineError {
	e := newError(
		"REGISTRATION_FAILED",
		fmt.Sprintf("регистрация не удалась: %s", reason),
		ErrorCategoryProtocol,
	)
	e.Retryable = true
	return e
}

// ErrCallFailed звонок завершился ошибкой
func ErrCallFailed(reason string) *EngineError {
	return newError(
		"CALL_FAILED",
		fmt.Sprintf("звонок не удался: %s", reason),
		ErrorCategoryProtocol,
	)
}

// ErrInvalidDigit цифра вне алфавита DTMF
func ErrInvalidDigit(digit rune) *EngineError {
	return newError(
		"INVALID_DTMF_DIGIT",
		fmt.Sprintf("недопустимая DTMF цифра: %c", digit),
		ErrorCategoryState,
	)
}
