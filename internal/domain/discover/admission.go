package discover

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/queue"
	"telegram-ingest-fabric/internal/infra/store"
)

// Gate wires together everything the discovery pipeline needs to turn free
// text into admitted groups: the recency set, the persistence layer, the
// join queue, an admin-notify sink, and the Telegram probes (member count,
// invite check, history sample) — all expressed as narrow function types so
// this package stays decoupled from both the worker fabric and the concrete
// concrete Telegram client.
type Gate struct {
	recent       *RecentLinks
	db           *store.MySQL
	joinQueue    queue.Queue
	notifyAdmins func(ctx context.Context, text string) error

	// probeMemberCount/probeChineseness take a probe key: "@username" for
	// the not-yet-resolved public path (admitPublic only has a username at
	// probe time), or a decimal gid string for the private path (the
	// invite hash already decodes to a real channel id). The Telegram-side
	// implementation dispatches on the leading "@".
	probeMemberCount func(ctx context.Context, key string) (int, error)
	probeChineseness func(ctx context.Context, key string) (title, description string, sample []string, err error)
	checkInvite      func(ctx context.Context, hash string) (*InviteProbe, error)

	memberJoinLimit int
	invokerUID      int64
}

// InviteProbe is the result of `checkChatInvite(hash)`.
type InviteProbe struct {
	Expired bool
	Invalid bool
	Title   string
	GID     int64 // resolved gid, when the invite already points at a known chat
}

// GateConfig bundles Gate's constructor parameters.
type GateConfig struct {
	Recent           *RecentLinks
	DB               *store.MySQL
	JoinQueue        queue.Queue
	NotifyAdmins     func(ctx context.Context, text string) error
	ProbeMemberCount func(ctx context.Context, key string) (int, error)
	ProbeChineseness func(ctx context.Context, key string) (title, description string, sample []string, err error)
	CheckInvite      func(ctx context.Context, hash string) (*InviteProbe, error)
	MemberJoinLimit  int
	InvokerUID       int64
}

func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		recent: cfg.Recent, db: cfg.DB, joinQueue: cfg.JoinQueue, notifyAdmins: cfg.NotifyAdmins,
		probeMemberCount: cfg.ProbeMemberCount, probeChineseness: cfg.ProbeChineseness, checkInvite: cfg.CheckInvite,
		memberJoinLimit: cfg.MemberJoinLimit, invokerUID: cfg.InvokerUID,
	}
}

// JoinTask is the payload pushed to the Join queue (C8 join worker).
type JoinTask struct {
	Kind   string `json:"kind"` // "public" | "private"
	Target string `json:"target"` // username for public, invite hash for private
	GID    int64  `json:"gid"`
}

// ProcessText implements C7: scans text for link candidates, de-dupes
// against the recency set, and feeds each fresh candidate to the matching
// admission path. joinNow forces admission regardless of size/language
// scoring (used by admin-issued /joinpub and /joinprv commands).
func (g *Gate) ProcessText(ctx context.Context, text string, joinNow bool) error {
	for _, c := range ExtractLinks(text) {
		token := c.Token
		if c.Kind == "public" {
			token = NormalizeUsername(token)
		}
		seen, err := g.recent.Seen(ctx, token)
		if err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if seen {
			continue
		}
		if err := g.recent.MarkSeen(ctx, token); err != nil {
			logger.Errorf("discover: mark seen %q: %v", token, err)
		}
		switch c.Kind {
		case "public":
			if err := g.admitPublic(ctx, token, joinNow); err != nil {
				logger.Errorf("discover: admit public %q: %v", token, err)
			}
		case "private":
			if err := g.admitPrivate(ctx, token, joinNow); err != nil {
				logger.Errorf("discover: admit private %q: %v", token, err)
			}
		}
	}
	return nil
}

// admitPublic implements the public-channel admission path.
func (g *Gate) admitPublic(ctx context.Context, username string, joinNow bool) error {
	// Resolution of username -> gid happens at probe time; here gid is the
	// hash of the username used purely as a stable surrogate key for the
	// already-probed-drop check, mirroring the original's resolve-then-gid
	// flow without re-implementing getEntity resolution in this package.
	gid := usernameGID(username)

	existing, err := g.db.GetGroup(ctx, gid)
	if err != nil {
		return err
	}
	if existing != nil {
		// row already exists: record observed-not-joined and stop (step 4).
		return nil
	}

	count, err := g.probeMemberCount(ctx, "@"+username)
	if err != nil {
		return err
	}
	if count < g.memberJoinLimit && !joinNow {
		return nil
	}

	shouldJoin := joinNow
	if !shouldJoin {
		title, desc, sample, cerr := g.probeChineseness(ctx, "@"+username)
		if cerr == nil && ChineseGroup(title, desc, sample) {
			shouldJoin = true
			logger.Infof("discover: admitting @%s on Chinese-group heuristic (locale=%s)", username, ChineseLocaleTag())
		}
	}

	group := store.Group{GID: gid}
	if shouldJoin {
		if err := g.enqueueJoin(ctx, JoinTask{Kind: "public", Target: username, GID: gid}); err != nil {
			return err
		}
		group.MasterUID = sql.NullInt64{Int64: g.invokerUID, Valid: true}
	}
	return g.db.UpsertGroup(ctx, group)
}

// admitPrivate implements the private-invite admission path.
func (g *Gate) admitPrivate(ctx context.Context, hash string, joinNow bool) error {
	parts, err := DecodeInvite(hash)
	if err != nil {
		logger.Debugf("discover: undecodable invite hash %q: %v", hash, err)
		return nil
	}
	gid := CanonicalChatID(parts.GID)

	exists, err := g.db.GroupInviteExists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	probe, err := g.checkInvite(ctx, hash)
	if err != nil {
		return err
	}
	if probe == nil || probe.Expired || probe.Invalid {
		return nil
	}

	if err := g.db.InsertGroupInvite(ctx, hash, int64(parts.UID), gid, parts.Nonce, probe.Title); err != nil {
		return err
	}

	if joinNow {
		return g.enqueueJoin(ctx, JoinTask{Kind: "private", Target: hash, GID: gid})
	}

	count, err := g.probeMemberCount(ctx, strconv.FormatInt(gid, 10))
	if err == nil && count > g.memberJoinLimit && g.notifyAdmins != nil {
		_ = g.notifyAdmins(ctx, "private invite pending manual join: "+hash)
	}
	return nil
}

func (g *Gate) enqueueJoin(ctx context.Context, task JoinTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return g.joinQueue.Put(ctx, string(payload))
}

// usernameGID derives a stable surrogate gid for a not-yet-resolved public
// username. The real numeric channel id is only known after getEntity; this
// surrogate only needs to be stable enough to dedupe repeated mentions of
// the same username before resolution occurs.
func usernameGID(username string) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis
	for _, c := range username {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// JoinWorker consumes the Join queue single-flight: public targets call
// JoinChannel, private targets call
// ImportChatInvite. ChannelsTooMuch latches `global_count["full"]` and
// notifies only on the 0->1 transition; FloodWait re-enqueues and sleeps.
// GlobalCountStore is the single key-value contract latchFull needs for the
// ChannelsTooMuch latch; *rediskit.Dict satisfies it.
type GlobalCountStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type JoinWorker struct {
	joinPublic  func(ctx context.Context, username string) error
	joinPrivate func(ctx context.Context, hash string) error
	globalCount GlobalCountStore
	joinQueue   queue.Queue
	notify      func(ctx context.Context, text string) error
}

func NewJoinWorker(joinPublic, joinPrivate func(ctx context.Context, target string) error,
	globalCount GlobalCountStore, joinQueue queue.Queue, notify func(ctx context.Context, text string) error) *JoinWorker {
	return &JoinWorker{joinPublic: joinPublic, joinPrivate: joinPrivate, globalCount: globalCount, joinQueue: joinQueue, notify: notify}
}

// Handle is the worker-fabric Handler for the join_queue class.
func (w *JoinWorker) Handle(ctx context.Context, payload string) error {
	var task JoinTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return ingesterror.New(ingesterror.Programmer, err)
	}

	var err error
	switch task.Kind {
	case "public":
		err = w.joinPublic(ctx, task.Target)
	case "private":
		err = w.joinPrivate(ctx, task.Target)
	default:
		return ingesterror.WithSubject(ingesterror.Programmer, task.Kind, nil)
	}
	if err == nil {
		return nil
	}

	ie, ok := ingesterror.As(err)
	if !ok {
		return ingesterror.New(ingesterror.Transient, err)
	}
	switch ie.Kind {
	case ingesterror.QuotaExhausted:
		return w.latchFull(ctx)
	case ingesterror.RateLimited:
		logger.Infof("join flood wait %ds for %s", ie.Seconds, task.Target)
		if w.notify != nil {
			_ = w.notify(ctx, "join rate-limited, retrying later")
		}
		time.Sleep(time.Duration(ie.Seconds) * time.Second)
		return ie
	default:
		return ie
	}
}

func (w *JoinWorker) latchFull(ctx context.Context) error {
	prev, _ := w.globalCount.Get(ctx, "full")
	if prev != "1" {
		_ = w.globalCount.Set(ctx, "full", "1")
		if w.notify != nil {
			_ = w.notify(ctx, "account(s) at channel-join capacity (ChannelsTooMuch)")
		}
	}
	return ingesterror.New(ingesterror.QuotaExhausted, nil)
}
