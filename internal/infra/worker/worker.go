// Package worker реализует кооперативно-планируемую воркер-фабрику (C5) —
// движок, на котором держится весь конвейер: каждый класс воркера
// объявляет имя, из которого выводятся очередь `<name>_queue` и
// status-словарь `<name>_worker_status`; инстансы класса — долгоживущие
// горутины с доставкой at-least-once.
//
// Это статическая замена динамическому метаклассу WorkProperties из
// оригинала (`workers.py`): имя, очередь и статус связываются один раз при
// конструировании Class, без рантайм-интроспекции класса.
package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/queue"
	"telegram-ingest-fabric/internal/infra/rediskit"
)

// Handler обрабатывает одно сообщение очереди. Возврат ошибки (обычно
// *ingesterror.IngestError) приводит к повторной постановке сообщения в
// очередь, кроме ошибок вида NotFound/QuotaExhausted — с ними Run
// дропает сообщение без повтора.
type Handler func(ctx context.Context, payload string) error

// idlePoll — пауза опроса пустой очереди, как в оригинале (`time.sleep(0.01)`).
const idlePoll = 10 * time.Millisecond

// StatusStore — узкий контракт status-словаря воркер-класса (Get/Set двух
// ключей: "last", "size"). *rediskit.Dict реализует его; тесты подставляют
// собственную реализацию в памяти, не поднимая Redis.
type StatusStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Class описывает один класс воркера: имя, очередь, статус и обработчик.
// Queue и Status выводятся из имени классом-конструктором (New), но могут
// быть подменены явно для тестов.
type Class struct {
	Name    string
	Queue   queue.Queue
	Status  StatusStore
	Handler Handler

	// RetryDelay — пауза перед возвратом сообщения в очередь после любой
	// ошибки, кроме NotFound/QuotaExhausted (по умолчанию отсутствует — сообщение
	// возвращается немедленно, как в оригинале).
	RetryDelay time.Duration
}

// New конструирует класс воркера name поверх клиента Redis, производя
// очередь и статус по соглашению об именовании воркер-фабрики.
func New(rdb *redis.Client, name string, handler Handler) *Class {
	return &Class{
		Name:    name,
		Queue:   queue.New(rdb, name),
		Status:  rediskit.NewDict(rdb, name+"_worker_status"),
		Handler: handler,
	}
}

// Stat — снимок состояния воркер-класса, отдаётся по /workers и /stat.
type Stat struct {
	Name             string
	SecondsSinceLast int64
	QSize           int64
}

// Stat возвращает текущее (name, secondsSinceLastOk, qsize), как того
// требует контракт C5.
func (c *Class) Stat(ctx context.Context) Stat {
	qsize, _ := c.Queue.QSize(ctx)
	lastStr, _ := c.Status.Get(ctx, "last")
	var seconds int64
	if lastStr != "" {
		if last, err := strconv.ParseInt(lastStr, 10, 64); err == nil {
			seconds = time.Now().Unix() - last
		}
	}
	return Stat{Name: c.Name, SecondsSinceLast: seconds, QSize: qsize}
}

// Run выполняет основной цикл одного инстанса воркера: забрать сообщение,
// передать в Handler, продвинуть статус при успехе, вернуть сообщение в
// очередь при ошибке или отмене контекста. Сообщение снимается с очереди до
// вызова Handler: при ошибке NotFound/QuotaExhausted оно дропается, а при
// аварийном завершении процесса во время обработки — теряется.
func (c *Class) Run(ctx context.Context) {
	logger.Info("воркер запущен", zap.String("class", c.Name))
	for {
		select {
		case <-ctx.Done():
			logger.Info("воркер остановлен сигналом отмены", zap.String("class", c.Name))
			return
		default:
		}

		msg, ok := c.Queue.Get(ctx)
		if !ok {
			time.Sleep(idlePoll)
			continue
		}

		if err := c.handleOne(ctx, msg); err != nil {
			kind := ingesterror.KindOf(err)
			logger.Error("обработчик воркера вернул ошибку",
				zap.String("class", c.Name), zap.String("kind", kind.String()), zap.Error(err))
			switch kind {
			case ingesterror.NotFound, ingesterror.QuotaExhausted:
				// дропнуть без повтора — обработчик сам принял это решение,
				// вернув ошибку терминального класса.
			default:
				if c.RetryDelay > 0 {
					time.Sleep(c.RetryDelay)
				}
				if putErr := c.Queue.Put(ctx, msg); putErr != nil {
					logger.Error("не удалось вернуть сообщение в очередь",
						zap.String("class", c.Name), zap.Error(putErr))
				}
			}
			continue
		}

		qsize, _ := c.Queue.QSize(ctx)
		_ = c.Status.Set(ctx, "last", strconv.FormatInt(time.Now().Unix(), 10))
		_ = c.Status.Set(ctx, "size", strconv.FormatInt(qsize, 10))
	}
}

// handleOne восстанавливает сообщение в очередь, если контекст отменился
// посреди обработки — Go не умеет прерывать горутину асинхронно, как
// Python прерывает корутину через CancelledError, поэтому сама проверка
// ctx.Err() после возврата Handler — единственная точка восстановления
// "на лету". Сообщения, снятые с очереди процессом, который завершился
// аварийно (не через штатную отмену), не восстанавливаются.
func (c *Class) handleOne(ctx context.Context, msg string) error {
	err := c.Handler(ctx, msg)
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Start запускает n горутин-инстансов этого класса.
func (c *Class) Start(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		go c.Run(ctx)
	}
}
