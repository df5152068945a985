// Package ingesterror определяет единый тегированный вариант ошибки для всего
// конвейера приёма сообщений. Заменяет управление потоком через исключения,
// свойственное исходному Python-боту (FloodWaitError, ChatNotFound, и т. д.):
// каждый обработчик возвращает *IngestError, а воркер-фабрика сопоставляет
// Kind с политикой повтора/дропа/уведомления по единой таблице.
package ingesterror

import (
	"errors"
	"fmt"
)

// Kind перечисляет классы ошибок, которые воркер-фабрика обязана различать.
type Kind int

const (
	// Transient — временная сетевая/инфраструктурная ошибка: таймаут HTTP,
	// обрыв соединения с Redis, откат транзакции БД. Политика: переложить
	// сообщение обратно в очередь и продолжить цикл.
	Transient Kind = iota
	// RateLimited — Telegram FloodWait(n) или bot RetryAfter(n). Seconds
	// содержит время ожидания. Политика: зафиксировать штраф по субъекту,
	// при необходимости вернуть сообщение в очередь.
	RateLimited
	// NotFound — ChatNotFound, InviteHashInvalid/Expired, PeerIdInvalid,
	// UserNotParticipant. Политика: дропнуть задачу без повтора.
	NotFound
	// Forbidden — ChannelPrivate, исключение бота из чата. Политика:
	// уведомить администратора и остановить обработку этого субъекта.
	Forbidden
	// QuotaExhausted — ChannelsTooMuch. Политика: защёлкнуть глобальный
	// флаг, уведомить один раз на переходе 0→1, задачу дропнуть.
	QuotaExhausted
	// AuthLost — AuthKeyUnregistered. Политика: залогировать, операцию
	// забросить; оркестратор не восстанавливает сессию автоматически.
	AuthLost
	// Programmer — любая прочая ошибка. Политика: полный traceback и
	// контекст в административный канал, сообщение вернуть в очередь.
	Programmer
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case QuotaExhausted:
		return "quota_exhausted"
	case AuthLost:
		return "auth_lost"
	case Programmer:
		return "programmer"
	default:
		return "unknown"
	}
}

// IngestError — тегированная ошибка конвейера. Seconds заполняется только
// для RateLimited (время ожидания в секундах, как в Telegram FloodWait).
type IngestError struct {
	Kind    Kind
	Seconds int
	Subject string // опциональный идентификатор субъекта (токен бота, gid, file_id)
	Err     error
}

func (e *IngestError) Error() string {
	if e.Seconds > 0 {
		return fmt.Sprintf("ingest: %s (wait=%ds subject=%q): %v", e.Kind, e.Seconds, e.Subject, e.Err)
	}
	return fmt.Sprintf("ingest: %s (subject=%q): %v", e.Kind, e.Subject, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// New собирает IngestError без дополнительных полей.
func New(kind Kind, err error) *IngestError {
	return &IngestError{Kind: kind, Err: err}
}

// Wait создаёт RateLimited-ошибку с указанным временем ожидания.
func Wait(seconds int, subject string, err error) *IngestError {
	return &IngestError{Kind: RateLimited, Seconds: seconds, Subject: subject, Err: err}
}

// WithSubject прикрепляет идентификатор субъекта (для логов и admin-уведомлений).
func WithSubject(kind Kind, subject string, err error) *IngestError {
	return &IngestError{Kind: kind, Subject: subject, Err: err}
}

// As — удобная обёртка над errors.As для извлечения *IngestError из цепочки.
func As(err error) (*IngestError, bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// KindOf возвращает Kind ошибки, сведённый к Programmer, если err не
// является *IngestError — так код, не предполагающий тегированных ошибок,
// всё равно получает безопасное значение по умолчанию.
func KindOf(err error) Kind {
	if ie, ok := As(err); ok {
		return ie.Kind
	}
	return Programmer
}
