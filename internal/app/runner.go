// Package app реализует верхний уровень управления жизненным циклом Telegram‑клиента (userbot).
// Файл runner.go — точка оркестрации: здесь запускаются сервисы в правильном порядке,
// выполняется авторизация, стартует менеджер обновлений, и организуется корректный graceful shutdown.
// Бизнес‑назначение: гарантировать стабильный запуск и предсказуемое завершение работы бота так,
// чтобы доменные сервисы успели завершить операции (статусы online/offline, воркер-фабрика, очереди),
// а MTProto‑движок оставался жив до отправки критичных сигналов (например, AccountUpdateStatus(offline)).
package app

import (
	"context"
	"sync"
	"time"

	"telegram-ingest-fabric/internal/adapters/cli"
	"telegram-ingest-fabric/internal/adapters/telegram/core"
	"telegram-ingest-fabric/internal/adapters/web"
	"telegram-ingest-fabric/internal/domain/commands"
	"telegram-ingest-fabric/internal/domain/filters"
	"telegram-ingest-fabric/internal/domain/notifications"
	"telegram-ingest-fabric/internal/domain/recipients"
	domainupdates "telegram-ingest-fabric/internal/domain/updates"
	"telegram-ingest-fabric/internal/infra/concurrency"
	"telegram-ingest-fabric/internal/infra/config"
	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/telegram/connection"
	"telegram-ingest-fabric/internal/infra/telegram/peersmgr"
	"telegram-ingest-fabric/internal/infra/telegram/status"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// backfillScanSpec — периодичность регулярного пересмотра групп, ожидающих
// дозагрузки истории (C10), в формате cron.
const backfillScanSpec = "0 */6 * * *"

// Runner инкапсулирует сценарий запуска и остановки Telegram‑клиента и связанных подсистем.
// Отвечает за:
//   - авторизацию и идентификацию текущего пользователя (self),
//   - линейный запуск сервисов в правильном порядке (воркер-фабрика C5, обнаружение/OCR/back-fill/метрики, затем updates),
//   - корректное завершение: сначала останавливаются сервисы (воркеры/статусы/очереди), затем гасится MTProto‑движок,
//   - интеграцию с CLI и доменными обработчиками обновлений.
type Runner struct {
	client        *telegram.Client          // Обёртка над MTProto‑клиентом и API: логин, Self(), API-интерфейс.
	coreClient    *core.ClientCore          // Та же сессия, обёрнутая для CLI-диагностики (whoami/test/refresh dialogs).
	filters       *filters.FilterEngine     // Движок фильтров: загрузка, хранение, матчи (унаследованный контур).
	notif         *notifications.Queue      // Асинхронная очередь уведомлений — транспорт notifyAdmins.
	dedup         *concurrency.Deduplicator // Защита от повторной обработки событий (идемпотентность на уровне сигналов).
	deb           *concurrency.Debouncer    // Сглаживание/слияние частых событий (например, всплесков апдейтов).
	handlers      *domainupdates.Handlers   // Композиция доменных обработчиков апдейтов Telegram.
	mainCtx       context.Context           // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel    context.CancelFunc        // Функция, инициирующая общий shutdown (используется из узлов).
	peers         *peersmgr.Service         // Сервис пиров (peers.Manager + persist storage), опционален.
	cmdExecutor   commands.Executor         // Исполнитель команд (используется CLI и Web).
	cliService    *cli.Service              // CLI сервис для интерактивных команд.
	webServer     *web.Server               // Web-сервер для управления через браузер.
	updatesWG     sync.WaitGroup            // WaitGroup для updates_manager.
	updatesCancel context.CancelFunc        // Функция отмены контекста для updates_manager.

	app *App // Владелец воркер-фабрики/обнаружения/OCR/back-fill/метрик, запускаемых и останавливаемых здесь.
}

const (
	webServerShutdownTimeout = 10 * time.Second
)

// NewRunner подготавливает Runner с переданными зависимостями: ядро клиента, очередь уведомлений,
// утилиты конкуррентности и доменные обработчики. Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	client *telegram.Client,
	coreClient *core.ClientCore,
	filters *filters.FilterEngine,
	notif *notifications.Queue,
	dedup *concurrency.Deduplicator,
	debouncer *concurrency.Debouncer,
	handlers *domainupdates.Handlers,
	peers *peersmgr.Service,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		client:     client,
		coreClient: coreClient,
		filters:    filters,
		notif:      notif,
		dedup:      dedup,
		deb:        debouncer,
		handlers:   handlers,
		peers:      peers,
	}
}

// Run — главный цикл ingestion-фабрики. Выполняет проверку авторизации инвокера, сборку и запуск
// узлов (воркер-фабрика, обнаружение/OCR/back-fill, метрики, updates.Manager) и управляет
// корректным завершением. Блокируется до завершения клиентского контекста.
// Важно: используется отдельный контекст для MTProto‑движка, чтобы дать шанс статусам/очередям
// корректно завершиться до гашения сетевого уровня.
func (r *Runner) Run(updmgr *tgupdates.Manager) error {
	waiter := floodwait.NewWaiter()
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup

	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Ingestion-фабрика запущена...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			if err := r.initPeersIfNeeded(ctx); err != nil {
				return err
			}

			if err := r.startAllServices(ctx, updmgr, self.ID); err != nil {
				r.stopAllServices()
				return err
			}

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

// loginSelf confirms the invoker's own MTProto session is authorized. The
// actual interactive auth handshake already happened in
// core.ConnectAndLogin during App.Init; this only reads back Self() so the
// updates manager has a selfID to subscribe against.
func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

func (r *Runner) initPeersIfNeeded(ctx context.Context) error {
	if r.peers == nil {
		return nil
	}

	if err := r.peers.Mgr.Init(ctx); err != nil {
		logger.Errorf("failed to init peers manager: %v", err)
		if config.Env().Notifier == "client" {
			return err
		}
	}

	if err := r.peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("failed to load peers from storage: %v", err)
	}

	if err := r.peers.WarmupIfEmpty(ctx, r.client.API()); err != nil {
		logger.Errorf("failed to warm up peers manager: %v", err)
		if config.Env().Notifier == "client" {
			logger.Error("peers warmup error, cant use client notifier")
			return err
		}
	}

	logger.Debug("Peers warmup complete")
	return nil
}

func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) error {
	// command executor (унаследованный CLI-контур)
	logger.Debug("initializing command executor")
	r.cmdExecutor = commands.NewExecutor(r.client, r.filters, r.notif, r.peers)
	logger.Debug("command executor initialized")

	logger.Debug("starting service cli")
	recipMgr := recipients.NewRecipientManager(config.Env().RecipientsFile)
	if err := recipMgr.Load(); err != nil {
		logger.Errorf("failed to load recipients: %v", err)
	}
	r.cliService = cli.NewService(r.coreClient, r.mainCancel, r.filters, r.notif, r.peers, recipMgr)
	r.cliService.Start(ctx)
	logger.Debug("service cli started")

	if config.Env().WebServerEnable {
		logger.Debug("starting service web_server")
		var forward func(ctx context.Context, text string) error
		if r.app != nil {
			forward = r.app.notifyAdmins
		}
		r.webServer = web.NewServer(r.cmdExecutor, forward)
		if r.app != nil && r.app.adminOps != nil {
			r.app.adminOps.SetWebAuth(r.webServer)
		}

		go func() {
			if err := r.webServer.Start(); err != nil {
				logger.Errorf("web server error: %v", err)
			}
		}()
		logger.Debug("service web_server started")
	}

	logger.Debug("starting service connection_manager")
	connection.Init(ctx, r.client)
	logger.Debug("service connection_manager started")

	logger.Debug("starting service status_manager")
	status.Start(ctx, r.client)
	logger.Debug("service status_manager started")

	logger.Debug("starting service deduplicator")
	r.dedup.Start(ctx)
	logger.Debug("service deduplicator started")

	logger.Debug("starting service debouncer")
	r.deb.Start(ctx)
	logger.Debug("service debouncer started")

	logger.Debug("starting service notifications_queue")
	r.notif.Start(ctx)
	logger.Debug("service notifications_queue started")

	logger.Debug("starting service domain_handlers")
	r.handlers.Start(ctx, CleanPeriodHours*time.Hour)
	logger.Debug("service domain_handlers started")

	if err := r.startPipeline(ctx); err != nil {
		return err
	}

	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		logger.Debug("updates_manager service: Run started")
		mgrErr := updmgr.Run(updatesCtx, r.client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: r.handleUpdatesManagerStart,
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updmgr.Run return: %v", mgrErr)
			r.mainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")

	return nil
}

// startPipeline launches the ingestion/discovery/OCR/back-fill/metrics
// services that Run orchestrates on top of the client/status/dedup
// services started above.
func (r *Runner) startPipeline(ctx context.Context) error {
	if r.app == nil {
		return nil
	}

	logger.Debug("starting service worker_fabric")
	for _, class := range r.app.workers {
		class.Start(ctx, workerCount(class.Name))
	}
	logger.Debug("service worker_fabric started")

	logger.Debug("starting service backfill_scheduler")
	if err := r.app.backfillS.Start(ctx, backfillScanSpec); err != nil {
		return errors.Wrap(err, "backfill scheduler")
	}
	logger.Debug("service backfill_scheduler started")

	logger.Debug("starting service metrics_fanout")
	go r.app.metricsF.Run(ctx)
	logger.Debug("service metrics_fanout started")

	return nil
}

func (r *Runner) stopAllServices() {
	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel()
	}
	r.updatesWG.Wait()
	logger.Debug("service updates_manager stopped")

	if r.app != nil {
		logger.Debug("stopping service backfill_scheduler")
		r.app.backfillS.Stop()
		logger.Debug("service backfill_scheduler stopped")

		logger.Debug("stopping service metrics_provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		if err := r.app.metricsP.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to stop metrics_provider: %v", err)
		}
		cancel()
		logger.Debug("service metrics_provider stopped")
	}

	logger.Debug("stopping service status_manager")
	status.Stop()
	logger.Debug("service status_manager stopped")

	logger.Debug("stopping service domain_handlers")
	r.handlers.Stop()
	logger.Debug("service domain_handlers stopped")

	logger.Debug("stopping service notifications_queue")
	if err := r.notif.Stop(); err != nil {
		logger.Errorf("stop notifications_queue: %v", err)
	}
	logger.Debug("service notifications_queue stopped")

	logger.Debug("stopping service debouncer")
	r.deb.Stop()
	logger.Debug("service debouncer stopped")

	logger.Debug("stopping service deduplicator")
	r.dedup.Stop()
	logger.Debug("service deduplicator stopped")

	logger.Debug("stopping service connection_manager")
	connection.Shutdown()
	logger.Debug("service connection_manager stopped")

	if r.peers != nil {
		logger.Debug("stopping service peers_manager")
		if err := r.peers.Close(); err != nil {
			logger.Errorf("failed to stop peers_manager: %v", err)
		}
		logger.Debug("service peers_manager stopped")
	}

	if r.webServer != nil {
		logger.Debug("stopping service web_server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		defer cancel()
		if err := r.webServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to stop web_server: %v", err)
		}
		logger.Debug("service web_server stopped")
	}

	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}
}

// handleUpdatesManagerStart вызывается updates.Manager при старте обработки апдейтов.
// Здесь выполняем действия, зависящие от готовности подписки на обновления: переключение
// в online-статус при конфигурации notifier=="client" (остальные сервисы конвейера уже
// запущены в startPipeline до подписки на апдейты).
func (r *Runner) handleUpdatesManagerStart(ctx context.Context) {
	if config.Env().Notifier == "client" {
		status.GoOnline()
	}

	logger.Debug("Updates manager started")
}
