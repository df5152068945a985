// Package app — верхний уровень сборки и инициализации ingestion-фабрики:
// аккаунт(ы)-invoker'ы, очереди и воркер-классы конвейера C1–C11, шлюз
// сущностного хранилища, обнаружение/вступление, OCR, дозагрузка истории,
// метрики и административные команды. Здесь связываются конфигурация,
// сетевой слой (gotd/td), Redis/MySQL и доменные пакеты; отсюда стартует
// цикл обработки событий и обеспечивается корректный shutdown.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	botapionotifier "telegram-ingest-fabric/internal/adapters/botapi/notifier"
	telegramadapter "telegram-ingest-fabric/internal/adapters/telegram"
	"telegram-ingest-fabric/internal/adapters/telegram/core"
	telegramnotifier "telegram-ingest-fabric/internal/adapters/telegram/notifier"
	"telegram-ingest-fabric/internal/domain/backfill"
	"telegram-ingest-fabric/internal/domain/commands"
	"telegram-ingest-fabric/internal/domain/discover"
	"telegram-ingest-fabric/internal/domain/entities"
	"telegram-ingest-fabric/internal/domain/filters"
	"telegram-ingest-fabric/internal/domain/notifications"
	"telegram-ingest-fabric/internal/domain/ocr"
	"telegram-ingest-fabric/internal/domain/presence"
	"telegram-ingest-fabric/internal/domain/senders"
	domainupdates "telegram-ingest-fabric/internal/domain/updates"
	"telegram-ingest-fabric/internal/infra/blobstore"
	"telegram-ingest-fabric/internal/infra/concurrency"
	"telegram-ingest-fabric/internal/infra/config"
	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/metrics"
	"telegram-ingest-fabric/internal/infra/ocrclient"
	"telegram-ingest-fabric/internal/infra/queue"
	"telegram-ingest-fabric/internal/infra/rediskit"
	"telegram-ingest-fabric/internal/infra/store"
	"telegram-ingest-fabric/internal/infra/telegram/cache"
	"telegram-ingest-fabric/internal/infra/telegram/connection"
	"telegram-ingest-fabric/internal/infra/telegram/session"
	"telegram-ingest-fabric/internal/infra/worker"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
	"github.com/redis/go-redis/v9"
)

// Insert/OCR/FindLink получают по несколько инстансов (ingest-side, высокая
// частота); History/Join/Entity/Mark — по одному (control-side, редкие и
// по природе сериализуемые операции), в точности как в спецификации C5/C12.
const (
	insertWorkers   = 4
	ocrWorkers      = 4
	findLinkWorkers = 4
)

// App агрегирует зависимости userbot-фабрики и управляет их связью.
type App struct {
	ctx  context.Context
	stop context.CancelFunc

	rdb *redis.Client
	db  *store.MySQL

	cl       *core.ClientCore
	registry *senders.Registry
	collab   *telegramadapter.Collaborators

	filters   *filters.FilterEngine
	notif     *notifications.Queue
	dupCache  *concurrency.Deduplicator
	debouncer *concurrency.Debouncer
	handlers  *domainupdates.Handlers
	dispatch  *tg.UpdateDispatcher
	updMgr    *tgupdates.Manager

	gw        *entities.Gateway
	presence  *presence.Policy
	gate      *discover.Gate
	joinW     *discover.JoinWorker
	ocrCoord  *ocr.Coordinator
	ocrEnqueue func(ctx context.Context, surrogateID int64) error
	backfillW *backfill.Worker
	backfillS *backfill.Scheduler
	metricsP  *metrics.Provider
	metricsF  *metrics.Fanout
	adminOps  *commands.AdminOps

	workers []*worker.Class

	runner *Runner
}

// CleanPeriodHours — периодичность очистки внутренних кэшей/status-словарей.
const CleanPeriodHours = 24

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init связывает компоненты приложения и подготавливает их к запуску.
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	logger.Info("Userbot initializing...")

	a.ctx = ctx
	a.stop = stop
	cfg := config.Env()

	if err := a.initStorage(cfg); err != nil {
		return err
	}
	a.initWorkerFabric()
	a.gw = entities.New(a.classByName("entity").Queue, a.classByName("insert").Queue, a.classByName("findlink").Queue)
	a.presence = presence.NewPolicy(rediskit.NewDict(a.rdb, "global_count"), cfg.OnlineHour, cfg.OfflineHour)

	if err := a.initClient(ctx, cfg); err != nil {
		return err
	}
	a.collab = telegramadapter.NewCollaborators(a.cl.API)

	a.initDiscovery(cfg)
	a.initOCR(cfg)
	a.initBackfill()
	if err := a.initMetrics(ctx, cfg); err != nil {
		return err
	}
	a.wireWorkerHandlers()

	// Фильтры/уведомления/CLI/web — унаследованный контур ручного управления
	// и транспорта администратора, на котором держится notifyAdmins.
	if err := a.initLegacyControlPlane(cfg); err != nil {
		return err
	}

	a.adminOps = commands.NewAdminOps(a.db, a.gate, a.enqueueHistory, a.collab.Leave, a.workers)

	a.initDispatcher(cfg)

	a.runner = NewRunner(a.ctx, a.stop, a.cl.Client, a.cl, a.filters, a.notif, a.dupCache, a.debouncer, a.handlers, nil)
	a.runner.app = a
	return nil
}

func workerCount(name string) int {
	switch name {
	case "insert":
		return insertWorkers
	case "ocr":
		return ocrWorkers
	case "findlink":
		return findLinkWorkers
	default:
		return 1
	}
}

func (a *App) initStorage(cfg config.EnvConfig) error {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	a.rdb = redis.NewClient(opts)

	db, err := store.Open(cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	a.db = db
	return nil
}

// initWorkerFabric конструирует все классы воркера (C5) до того, как им
// назначены обработчики — Handler подставляется позже, в
// wireWorkerHandlers, once the collaborators that close over it exist.
func (a *App) initWorkerFabric() {
	names := []string{"entity", "insert", "findlink", "mark", "join", "history", "ocr"}
	a.workers = make([]*worker.Class, 0, len(names))
	for _, name := range names {
		a.workers = append(a.workers, worker.New(a.rdb, name, nil))
	}
}

func (a *App) classByName(name string) *worker.Class {
	for _, c := range a.workers {
		if c.Name == name {
			return c
		}
	}
	panic("app: unknown worker class " + name)
}

func (a *App) historyQueue() queue.Queue { return a.classByName("history").Queue }

// enqueueHistory implements the historyJoin callback commands.AdminOps uses
// for /fetch: marshal a backfill.Task onto the history queue.
func (a *App) enqueueHistory(ctx context.Context, gid int64) error {
	payload, err := json.Marshal(backfill.Task{GID: gid})
	if err != nil {
		return err
	}
	return a.historyQueue().Put(ctx, string(payload))
}

func (a *App) initClient(ctx context.Context, cfg config.EnvConfig) error {
	a.dispatch = func(d tg.UpdateDispatcher) *tg.UpdateDispatcher { return &d }(tg.NewUpdateDispatcher())

	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler: a.dispatch,
		Storage: core.NewFileStorage(cfg.StateFile),
	})

	options := telegram.Options{
		SessionStorage: &session.NotifyStorage{Path: cfg.SessionFile},
		UpdateHandler:  a.updMgr,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(a.updMgr.Handle),
		},
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "v5.5.0",
		},
	}
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}

	accounts := []senders.AccountConfig{{
		UID: 0, SessionName: cfg.InvokerSessionName, PhoneNumber: cfg.PhoneNumber,
		APIID: cfg.APIID, APIHash: cfg.APIHash,
	}}
	bots := make([]senders.BotConfig, 0, len(cfg.BotTokens))
	for i, token := range cfg.BotTokens {
		bots = append(bots, senders.BotConfig{UID: int64(-(i + 1)), Name: fmt.Sprintf("bot%d", i), Token: token})
	}
	connectUser := func(ctx context.Context, acc senders.AccountConfig) (*telegram.Client, error) {
		return core.ConnectAndLogin(ctx, acc.APIID, acc.APIHash, options, acc.PhoneNumber, cfg.SessionFile)
	}
	newBot := func(token string) (*gotgbot.Bot, error) { return gotgbot.NewBot(token, nil) }

	reg, err := senders.CreateClients(ctx, accounts, bots, connectUser, newBot)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	if err := reg.SetInvoker(0); err != nil {
		return err
	}
	a.registry = reg

	client, _ := reg.Client(0)
	cc, err := core.New(client, cfg.PhoneNumber, cfg.SessionFile)
	if err != nil {
		return fmt.Errorf("init client core: %w", err)
	}
	a.cl = cc

	cache.Init(ctx, cc.API)
	return nil
}

func (a *App) initDiscovery(cfg config.EnvConfig) {
	recent := discover.NewRecentLinks(rediskit.NewExpiringSet(a.rdb, "recent_found_links", 24*time.Hour))
	a.gate = discover.NewGate(discover.GateConfig{
		Recent:    recent,
		DB:        a.db,
		JoinQueue: a.classByName("join").Queue,
		NotifyAdmins: func(ctx context.Context, text string) error {
			return a.notifyAdmins(ctx, text)
		},
		ProbeMemberCount: func(ctx context.Context, key string) (int, error) { return a.collab.ProbeMemberCount(ctx, key) },
		ProbeChineseness: func(ctx context.Context, key string) (string, string, []string, error) {
			return a.collab.ProbeChineseness(ctx, key)
		},
		CheckInvite:     func(ctx context.Context, hash string) (*discover.InviteProbe, error) { return a.collab.CheckInvite(ctx, hash) },
		MemberJoinLimit: cfg.GroupMemberJoinLimit,
		InvokerUID:      a.registry.InvokerUID(),
	})

	a.joinW = discover.NewJoinWorker(
		func(ctx context.Context, target string) error { return a.collab.JoinPublic(ctx, target) },
		func(ctx context.Context, target string) error { return a.collab.JoinPrivate(ctx, target) },
		rediskit.NewDict(a.rdb, "global_count"),
		a.classByName("join").Queue,
		func(ctx context.Context, text string) error { return a.notifyAdmins(ctx, text) },
	)
}

func (a *App) initOCR(cfg config.EnvConfig) {
	dl := telegramadapter.NewDownloader(a.cl.API)
	blob := blobstore.NewS3Store(cfg.BlobStoreURL, blobstoreSigner(cfg.BlobStoreSignerURL))
	ocrCli := ocrclient.New(cfg.OCRServiceURL)
	dailyCache := rediskit.NewDailyDict(a.rdb, "ocr", time.UTC)

	a.ocrEnqueue = func(ctx context.Context, surrogateID int64) error {
		return a.classByName("ocr").Queue.Put(ctx, fmt.Sprintf(`{"id":%d}`, surrogateID))
	}
	a.ocrCoord = ocr.New(a.db, dailyCache, dl, blob, ocrCli, a.classByName("ocr").Queue.Put)
}

// blobstoreSigner requests a presigned PUT URL from an external signer
// service (the counterpart to the original's B2/minio presign call) —
// plain net/http, matching ocrclient/S3Store's own no-SDK grounding.
func blobstoreSigner(signerURL string) func(ctx context.Context, key string) (string, map[string]string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, key string) (string, map[string]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, signerURL+"?key="+url.QueryEscape(key), nil)
		if err != nil {
			return "", nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return "", nil, fmt.Errorf("blob signer: status %d for key %q", resp.StatusCode, key)
		}
		var out struct {
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", nil, err
		}
		return out.URL, out.Headers, nil
	}
}

func (a *App) initBackfill() {
	pager := telegramadapter.Pager(a.cl.API, a.registry.InvokerUID())
	a.backfillW = backfill.NewWorker(a.db, a.gw, pager, func(ctx context.Context, text string) error {
		return a.notifyAdmins(ctx, text)
	})
	a.backfillS = backfill.NewScheduler(a.db, a.classByName("history").Queue)
}

func (a *App) initMetrics(ctx context.Context, cfg config.EnvConfig) error {
	provider, err := metrics.NewProvider(ctx, metrics.ProviderConfig{
		Exporter: cfg.MetricsExporter, Endpoint: cfg.MetricsEndpoint, ServiceName: "telegram-ingest-fabric",
	})
	if err != nil {
		return fmt.Errorf("init metrics provider: %w", err)
	}
	a.metricsP = provider
	a.metricsF = metrics.NewFanout(rediskit.NewDict(a.rdb, "metrics"), provider.Meter)
	return nil
}

// wireWorkerHandlers assigns each already-constructed worker.Class its
// Handler, now that the collaborators those handlers close over (gate,
// ocrCoord, backfillW, joinW) exist.
func (a *App) wireWorkerHandlers() {
	a.classByName("entity").Handler = entities.EntityUpdateHandler(a.db)
	a.classByName("insert").Handler = entities.InsertHandler(a.db, a.ocrEnqueue, domainupdates.OCRSentinel)
	a.classByName("findlink").Handler = func(ctx context.Context, text string) error {
		return a.gate.ProcessText(ctx, text, false)
	}
	a.classByName("mark").Handler = entities.MarkDeletedHandler(a.db, a.classByName("mark").Queue.Put)
	a.classByName("join").Handler = a.joinW.Handle
	a.classByName("history").Handler = a.backfillW.Handle
	a.classByName("ocr").Handler = a.ocrCoord.Handle
}

func (a *App) initDispatcher(cfg config.EnvConfig) {
	h := domainupdates.NewHandlers(a.cl.API, a.registry.InvokerUID(), a.gw, a.classByName("mark").Queue, a.presence,
		a.dupCache, a.debouncer, a.filters, a.notif, a.stop)
	a.handlers = h

	a.dispatch.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		if a.isAdminMessage(u.Message) {
			return a.replyAdmin(ctx, u.Message)
		}
		return h.OnNewMessage(ctx, e, u)
	})
	a.dispatch.OnNewChannelMessage(h.OnNewChannelMessage)
	a.dispatch.OnEditMessage(h.OnEditMessage)
	a.dispatch.OnEditChannelMessage(h.OnEditChannelMessage)
	a.dispatch.OnDeleteChannelMessages(h.OnDeleteChannelMessages)
	a.dispatch.OnDeleteMessages(h.OnDeleteMessages)
}

func (a *App) isAdminMessage(m tg.MessageClass) bool {
	msg, ok := m.(*tg.Message)
	if !ok {
		return false
	}
	cfg := config.Env()
	if cfg.AdminChannelID == 0 {
		return false
	}
	switch p := msg.PeerID.(type) {
	case *tg.PeerChannel:
		return discover.CanonicalChatID(uint32(p.ChannelID)) == cfg.AdminChannelID
	case *tg.PeerChat:
		return -p.ChatID == cfg.AdminChannelID
	case *tg.PeerUser:
		return p.UserID == cfg.AdminChannelID
	default:
		return false
	}
}

func (a *App) replyAdmin(ctx context.Context, m tg.MessageClass) error {
	msg, ok := m.(*tg.Message)
	if !ok {
		return nil
	}
	reply := a.adminOps.Dispatch(ctx, msg.Message)
	if reply == "" {
		return nil
	}
	return a.notifyAdmins(ctx, reply)
}

func (a *App) notifyAdmins(ctx context.Context, text string) error {
	cfg := config.Env()
	if cfg.AdminChannelID == 0 || a.notif == nil {
		logger.Info("admin notify (no sink configured): " + text)
		return nil
	}
	return a.notif.Send(ctx, cfg.AdminChannelID, text)
}

// initLegacyControlPlane preserves the interactive CLI/filters/notification
// transport: CLI remains the local operator surface, and notif.Send is the
// transport notifyAdmins rides on (see notifyAdmins above).
func (a *App) initLegacyControlPlane(cfg config.EnvConfig) error {
	a.filters = filters.NewFilterEngine(cfg.FiltersFile)
	if err := a.filters.Load(); err != nil {
		return fmt.Errorf("load filters: %w", err)
	}

	queueStore, err := notifications.NewQueueStore(cfg.NotifyQueueFile, time.Second)
	if err != nil {
		return fmt.Errorf("init queue store: %w", err)
	}
	failedStore, err := notifications.NewFailedStore(cfg.NotifyFailedFile)
	if err != nil {
		return fmt.Errorf("init failed store: %w", err)
	}
	loc, err := time.LoadLocation(cfg.NotifyTimezone)
	if err != nil {
		return fmt.Errorf("load notify timezone: %w", err)
	}

	var sender notifications.PreparedSender
	switch cfg.Notifier {
	case "client":
		sender = telegramnotifier.NewClientSender(a.cl.API, cfg.ThrottleRPS)
	case "bot":
		botPenalty := senders.NewBotPenalty(rediskit.NewDict(a.rdb, "bot_info"))
		sender = botapionotifier.NewBotSender(cfg.BotToken, cfg.TestDC, cfg.ThrottleRPS, botPenalty)
	default:
		return fmt.Errorf(`invalid NOTIFIER option in .env (must be "client" or "bot")`)
	}

	q, err := notifications.NewQueue(notifications.QueueOptions{
		Sender: sender, Store: queueStore, Failed: failedStore,
		Schedule: cfg.NotifySchedule, Location: loc, Clock: time.Now,
	})
	if err != nil {
		return fmt.Errorf("init notifications queue: %w", err)
	}
	a.notif = q

	a.dupCache = concurrency.NewDeduplicator(cfg.DedupWindowSec)
	a.debouncer = concurrency.NewDebouncer(cfg.DebounceEditMS)
	return nil
}

// Run делегирует запуск основного цикла Runner’у с уже сконфигурированным менеджером апдейтов.
func (a *App) Run() error {
	return a.runner.Run(a.updMgr)
}
