// Package updates связывает транспортный слой gotd/td (tg.* апдейты) с
// конвейером приёма сообщений (C6 спецификации). На каждое входящее событие
// обработчик:
//  1. определяет флаг (new/edited/deleted);
//  2. для фото синтезирует непрозрачный JSON-дескриптор расположения и
//     добавляет OCR-сентинел в начало текста;
//  3. вызывает InsertMessage шлюза сущностей (персист + постановка на
//     обнаружение ссылок);
//  4. обновляет отправителя и (для групп/каналов) саму группу — оба вызова
//     не блокируются на recency TTL, если субъект недавно уже трогали;
//  5. прогоняет сообщение через фильтры и идемпотентно ставит уведомления
//     (notified-кэш защищает от повторной рассылки при редактированиях);
//  6. обновляет локальный счётчик непрочитанного для фонового read-ack.
//
// Дедупликация по (peerID, msgID, editDate) и дебаунс частых правок —
// унаследованы из прежней реализации пакета как есть: тот же Deduplicator и
// Debouncer, та же схема прогрева кэша пиров перед обработкой.
package updates

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"telegram-ingest-fabric/internal/domain/entities"
	"telegram-ingest-fabric/internal/domain/filters"
	"telegram-ingest-fabric/internal/domain/notifications"
	"telegram-ingest-fabric/internal/domain/presence"
	"telegram-ingest-fabric/internal/domain/tgutil"
	"telegram-ingest-fabric/internal/infra/concurrency"
	"telegram-ingest-fabric/internal/infra/config"
	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/queue"
	"telegram-ingest-fabric/internal/infra/telegram/cache"
	"telegram-ingest-fabric/internal/support/debug"

	"github.com/gotd/td/tg"
)

// OCRSentinel — фиксированная первая строка, помечающая сообщение как
// ожидающее OCR-обогащения.
const OCRSentinel = "tgpic://ocr/pending"

// PhotoLocation — непрозрачный JSON-дескриптор расположения фото,
// синтезируемый на этапе приёма и потребляемый OCR-координатором (C9). Для
// клиентского (не бот) аккаунта хранит всё, что нужно для восстановления
// tg.InputPhotoFileLocation без повторного резолва сообщения; для бота —
// сам Telegram Bot API file_id.
type PhotoLocation struct {
	ClientUID     int64  `json:"client"`
	FileID        string `json:"file_id,omitempty"`        // bot-API-style id, пусто для клиентских аккаунтов
	PhotoID       int64  `json:"photo_id,omitempty"`
	AccessHash    int64  `json:"access_hash,omitempty"`
	FileReference string `json:"file_reference,omitempty"` // base64
	DCID          int    `json:"dc_id,omitempty"`
	Path          string `json:"path"`
	Filename      string `json:"filename"`
}

// Handlers агрегирует зависимости обработчиков апдейтов: доступ к Telegram
// API текущего аккаунта, шлюз сущностей, дедупликацию/дебаунс правок,
// движок фильтров/очередь уведомлений с notified-кэшем идемпотентности и
// локальные счётчики непрочитанного для фонового read-ack.
type Handlers struct {
	api       *tg.Client
	clientUID int64
	gw        *entities.Gateway
	markQueue queue.Queue
	presence  *presence.Policy
	dupCache  *concurrency.Deduplicator
	debouncer *concurrency.Debouncer
	filters   *filters.FilterEngine
	notif     *notifications.Queue
	shutdown  func()

	notified map[string]time.Time // "<peerID>:<msgID>:<filterID>" -> когда поставлено в очередь
	mu       sync.Mutex
	unread   map[int64]int // peerID -> максимальный виденный msgID, ожидающий read-ack
	unreadMu sync.Mutex

	notifiedCacheFile string
	notifiedDirty     bool
	notifiedSaveTimer *time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cleanTTL  time.Duration
}

// NewHandlers конструирует Handlers для одного аккаунта. clientUID — id
// текущего аккаунта, используемый в дескрипторе фото и как отправитель
// read-ack. markQueue — очередь `mark_queue`, потребляемая
// entities.MarkDeletedHandler. filterEngine и notif могут быть nil — в этом
// случае входящие сообщения только персистятся, без прогона через фильтры.
// Срок хранения notified-кэша и путь его файла берутся из EnvConfig
// (NotifiedTTLDays/NotifiedCacheFile); Start может переопределить TTL.
func NewHandlers(api *tg.Client, clientUID int64, gw *entities.Gateway, markQueue queue.Queue, pres *presence.Policy,
	dup *concurrency.Deduplicator, debouncer *concurrency.Debouncer, filterEngine *filters.FilterEngine,
	notif *notifications.Queue, shutdown func()) *Handlers {
	cfg := config.Env()
	return &Handlers{
		api: api, clientUID: clientUID, gw: gw, markQueue: markQueue, presence: pres,
		dupCache: dup, debouncer: debouncer, filters: filterEngine, notif: notif, shutdown: shutdown,
		notified:          make(map[string]time.Time),
		unread:            make(map[int64]int),
		cleanTTL:          time.Duration(cfg.NotifiedTTLDays) * 24 * time.Hour,
		notifiedCacheFile: cfg.NotifiedCacheFile,
	}
}

// Start поднимает фоновые воркеры: восстанавливает notified-кэш с диска и
// запускает планировщик read-ack (runMarkReadScheduler) и сборщик мусора
// notified (runNotificationCacheCleaner). cleanTTL > 0 переопределяет
// значение из конфигурации. Повторные вызовы безопасны (startOnce).
func (h *Handlers) Start(ctx context.Context, cleanTTL time.Duration) {
	if ctx == nil {
		return
	}
	h.startOnce.Do(func() {
		if cleanTTL > 0 {
			h.cleanTTL = cleanTTL
		}
		h.loadNotifiedFromDisk()

		runCtx, cancel := context.WithCancel(ctx)
		h.cancel = cancel

		h.wg.Go(func() { h.runMarkReadScheduler(runCtx) })
		h.wg.Go(func() { h.runNotificationCacheCleaner(runCtx) })
	})
}

// Stop останавливает фоновые воркеры и форсирует финальный флаш
// notified-кэша на диск. Повторные вызовы безопасны (stopOnce).
func (h *Handlers) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		h.flushNotifiedNow()
	})
}

func (h *Handlers) ingest(ctx context.Context, e tg.Entities, msg *tg.Message, peerID int64, flag int) {
	text := msg.Message
	if loc, ok := photoLocationOf(msg, h.clientUID); ok {
		blob, err := json.Marshal(loc)
		if err != nil {
			logger.Errorf("marshal photo location: %v", err)
		} else {
			text = OCRSentinel + "\n" + string(blob) + "\n" + text
		}
	}

	if err := h.gw.InsertMessage(ctx, peerID, int64(msg.ID), senderUID(msg), text, time.Unix(int64(msg.Date), 0), flag, true); err != nil {
		logger.Errorf("insert message enqueue error: %v", err)
		return
	}

	if uid := senderUID(msg); uid != 0 {
		_ = h.gw.UpdateUser(ctx, uid, "", "", "", "")
	}
	if peerID < 0 {
		_ = h.gw.UpdateGroup(ctx, h.clientUID, peerID, "", "")
	}

	h.runFilters(ctx, e, msg)

	if h.presence != nil && h.presence.ShouldAck(time.Now()) {
		h.setUnreadCache(peerID, msg.ID)
	}
}

// runFilters прогоняет новое/изменённое сообщение через движок фильтров и
// идемпотентно ставит уведомление в очередь на каждый сработавший фильтр:
// пара (msg, filterID) уже отмеченная в notified-кэше пропускается, чтобы
// повторные правки одного сообщения не плодили дубликаты рассылки.
// Пропускает работу целиком, если фильтры или очередь не сконфигурированы
// (режим только приёма).
func (h *Handlers) runFilters(ctx context.Context, e tg.Entities, msg *tg.Message) {
	if h.filters == nil || h.notif == nil {
		return
	}
	for _, match := range h.filters.ProcessMessage(e, msg) {
		if h.hasNotified(msg, match.Filter.ID) {
			continue
		}
		if err := h.notif.Notify(e, msg, match); err != nil {
			logger.Errorf("filter %s matched but notify enqueue failed: %v", match.Filter.ID, err)
			continue
		}
		h.markNotified(msg, match.Filter.ID)
	}
}

func senderUID(msg *tg.Message) int64 {
	switch p := msg.FromID.(type) {
	case *tg.PeerUser:
		return p.UserID
	default:
		return 0
	}
}

// photoLocationOf builds the opaque descriptor used to fetch a message's
// photo bytes for OCR. Only MessageMediaPhoto carries a downloadable
// photo; documents/videos are out of scope per the original's
// `realbot.message()`, which only special-cases `msg.photo`.
func photoLocationOf(msg *tg.Message, clientUID int64) (PhotoLocation, bool) {
	photo, ok := msg.Media.(*tg.MessageMediaPhoto)
	if !ok {
		return PhotoLocation{}, false
	}
	p, ok := photo.Photo.(*tg.Photo)
	if !ok {
		return PhotoLocation{}, false
	}
	now := time.Now()
	loc := PhotoLocation{
		ClientUID:     clientUID,
		PhotoID:       p.ID,
		AccessHash:    p.AccessHash,
		FileReference: base64.StdEncoding.EncodeToString(p.FileReference),
		DCID:          p.DCID,
		Path:          fmt.Sprintf("%d/%d", now.Year(), int(now.Month())),
		Filename:      fmt.Sprintf("%d-%d.jpg", now.Unix(), p.ID),
	}
	return loc, true
}

// OnNewMessage handles an inbound DM/group message.
func (h *Handlers) OnNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peerID := tgutil.GetPeerID(msg.PeerID)
	_, _ = cache.GetInputPeerRaw(e, msg)
	if h.dupCache.DedupSeen(peerID, msg.ID, msg.EditDate) {
		return nil
	}
	if strings.TrimSpace(msg.Message) == "Exit" && h.shutdown != nil {
		logger.Info("Shutdown requested via incoming message")
		h.shutdown()
		return nil
	}
	debug.PrintUpdate("DM/Group", msg, e)
	h.ingest(ctx, e, msg, peerID, flagNew)
	return nil
}

// OnNewChannelMessage handles an inbound channel message.
func (h *Handlers) OnNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peerID := tgutil.GetPeerID(msg.PeerID)
	_, _ = cache.GetInputPeerRaw(e, msg)
	if h.dupCache.DedupSeen(peerID, msg.ID, msg.EditDate) {
		return nil
	}
	debug.PrintUpdate("Channel", msg, e)
	h.ingest(ctx, e, msg, peerID, flagNew)
	return nil
}

// OnEditMessage handles edits to DM/group messages, debounced per msg.ID.
func (h *Handlers) OnEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	debug.PrintUpdate("OnEditMessage", msg, e)
	h.debouncer.Do(msg.ID, func() {
		if !h.dupCache.DedupSeen(tgutil.GetPeerID(msg.PeerID), msg.ID, msg.EditDate) {
			h.ingest(ctx, e, msg, tgutil.GetPeerID(msg.PeerID), flagEdited)
		}
	})
	return nil
}

// OnEditChannelMessage handles edits to channel messages, debounced per msg.ID.
func (h *Handlers) OnEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	debug.PrintUpdate("OnEditChannelMessage", msg, e)
	h.debouncer.Do(msg.ID, func() {
		if !h.dupCache.DedupSeen(tgutil.GetPeerID(msg.PeerID), msg.ID, msg.EditDate) {
			h.ingest(ctx, e, msg, tgutil.GetPeerID(msg.PeerID), flagEdited)
		}
	})
	return nil
}

const (
	flagNew     = 1
	flagEdited  = 2
	flagDeleted = 4
)

// OnDeleteChannelMessages enqueues one Mark task per deleted message id. The
// channel id is known, so the canonical chat_id (-100*channelID) can be
// derived — unlike plain (non-channel) deletes, see OnDeleteMessages.
func (h *Handlers) OnDeleteChannelMessages(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	chatID := int64(-1000000000000) - u.ChannelID
	for _, id := range u.Messages {
		if err := h.markDeleted(ctx, chatID, int64(id)); err != nil {
			logger.Errorf("mark deleted enqueue error: %v", err)
		}
	}
	return nil
}

// OnDeleteMessages handles deletions outside a channel context. Telegram's
// common-box delete update carries only message ids, no chat id — the
// originating chat cannot be recovered from this event alone (documented
// limitation, see DESIGN.md). The Mark task is therefore skipped; the
// `deleted` bit on these rows is left unset, matching the behavior of a
// best-effort deletion marker rather than a guaranteed one.
func (h *Handlers) OnDeleteMessages(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteMessages) error {
	logger.Debug("common-box message deletion observed without chat scope, skipping mark")
	return nil
}

func (h *Handlers) markDeleted(ctx context.Context, chatID, messageID int64) error {
	payload, err := json.Marshal(entities.MarkTask{ChatID: chatID, MessageID: messageID})
	if err != nil {
		return err
	}
	return h.markQueue.Put(ctx, string(payload))
}
