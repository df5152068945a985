package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-ingest-fabric/internal/domain/discover"
	"telegram-ingest-fabric/internal/infra/config"
	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/store"
	"telegram-ingest-fabric/internal/infra/worker"
)

// WebAuth is the one method AdminOps needs from the admin web server: mint a
// one-time token for the "/auth" command's reply link.
type WebAuth interface {
	GenerateAuthToken() string
}

// AdminOps расширяет CommandExecutor административными операциями над
// конвейером обнаружения/вступления и воркер-фабрикой: /exec, /joinpub,
// /joinprv, /leave, /stat|/stats, /threads, /workers, /fetch, /dialogs,
// /auth, /help. Ответы — HTML; вывод шелла и остальные ответы заворачиваются
// в <pre> с экранированием `<`, `>`, `&`.
type AdminOps struct {
	db          *store.MySQL
	gate        *discover.Gate
	historyJoin func(ctx context.Context, gid int64) error // enqueues a History task
	leave       func(ctx context.Context, gid int64) error
	workers     []*worker.Class
	shellEnabled bool

	webAuth      WebAuth
	authMu       sync.Mutex
	lastAuthTime time.Time
}

func NewAdminOps(db *store.MySQL, gate *discover.Gate,
	historyJoin func(ctx context.Context, gid int64) error,
	leave func(ctx context.Context, gid int64) error,
	workers []*worker.Class) *AdminOps {
	return &AdminOps{
		db: db, gate: gate, historyJoin: historyJoin, leave: leave, workers: workers,
		shellEnabled: config.Env().AdminShellEnabled,
	}
}

// SetWebAuth wires the admin web server's token minter into the "/auth"
// command. Called once, after the web server starts (it only starts when
// WEB_SERVER_ENABLE=true), so AdminOps works without it too.
func (a *AdminOps) SetWebAuth(w WebAuth) {
	a.webAuth = w
}

const authTokenRateLimit = time.Minute

// Dispatch parses "/cmd arg..." and routes it, returning an HTML reply.
// Unknown commands and any internal error both degrade to a plain HTML
// error line rather than propagating — the admin channel is a diagnostic
// surface, not a place to crash a goroutine over a typo.
func (a *AdminOps) Dispatch(ctx context.Context, text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	fields := strings.SplitN(text[1:], " ", 2)
	cmd := fields[0]
	arg := ""
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "exec":
		return a.exec(ctx, arg)
	case "joinpub":
		return a.joinPub(ctx, arg)
	case "joinprv":
		return a.joinPrv(ctx, arg)
	case "leave":
		return a.leaveCmd(ctx, arg)
	case "stat", "stats":
		return a.stats(ctx)
	case "threads":
		return a.threads()
	case "workers":
		return a.workersStatus(ctx)
	case "fetch":
		return a.fetch(ctx, arg)
	case "dialogs":
		return a.dialogs()
	case "auth":
		return a.auth()
	case "help":
		return helpText
	default:
		return pre(fmt.Sprintf("unknown command: /%s", cmd))
	}
}

const helpText = "/exec &lt;shell&gt;, /joinpub &lt;link&gt;, /joinprv &lt;invite-hash&gt;, " +
	"/leave &lt;gid&gt;, /stat|/stats, /threads, /workers, /fetch &lt;gid&gt;, /dialogs, /auth, /help"

// auth mints a one-time web dashboard link, rate-limited to one per minute
// so a compromised admin session can't be used to mint tokens in a loop.
func (a *AdminOps) auth() string {
	if !config.Env().WebServerEnable {
		return pre("web server is disabled (set WEB_SERVER_ENABLE=true to enable)")
	}
	if a.webAuth == nil {
		return pre("web authentication service is not available")
	}

	a.authMu.Lock()
	wait := authTokenRateLimit - time.Since(a.lastAuthTime)
	if wait > 0 {
		a.authMu.Unlock()
		return pre(fmt.Sprintf("wait %ds before requesting a new token", int(wait.Seconds())+1))
	}
	a.lastAuthTime = time.Now()
	a.authMu.Unlock()

	token := a.webAuth.GenerateAuthToken()
	authURL := fmt.Sprintf("http://%s/?token=%s", config.Env().WebServerAddress, token)
	return pre("web dashboard link (one-time, 1h session): " + authURL)
}

// pre wraps s in <pre>, escaping <, >, &.
func pre(s string) string {
	return "<pre>" + html.EscapeString(s) + "</pre>"
}

// exec runs arg as a shell command, gated behind config.AdminShellEnabled
// (default false — this is the one command that can do real damage to the
// host, so it is off unless explicitly turned on).
func (a *AdminOps) exec(ctx context.Context, arg string) string {
	if !a.shellEnabled {
		return pre("shell access disabled (set ADMIN_SHELL_ENABLED=true to enable)")
	}
	if arg == "" {
		return pre("usage: /exec <shell>")
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "sh", "-c", arg).CombinedOutput()
	if err != nil {
		return pre(string(out) + "\n" + err.Error())
	}
	return pre(string(out))
}

func (a *AdminOps) joinPub(ctx context.Context, arg string) string {
	if arg == "" {
		return pre("usage: /joinpub <link-or-username>")
	}
	username := discover.NormalizeUsername(strings.TrimPrefix(strings.TrimPrefix(arg, "https://"), "t.me/"))
	if err := a.gate.ProcessText(ctx, "@"+username, true); err != nil {
		return pre("joinpub failed: " + err.Error())
	}
	return pre("queued admission for @" + username)
}

func (a *AdminOps) joinPrv(ctx context.Context, arg string) string {
	if arg == "" {
		return pre("usage: /joinprv <invite-hash>")
	}
	if err := a.gate.ProcessText(ctx, "t.me/joinchat/"+arg, true); err != nil {
		return pre("joinprv failed: " + err.Error())
	}
	return pre("queued admission for invite " + arg)
}

// leaveCmd принимает только числовой gid; ссылки и @username не разрешаются.
func (a *AdminOps) leaveCmd(ctx context.Context, arg string) string {
	if arg == "" {
		return pre("usage: /leave <gid>")
	}
	gid, err := strconv.ParseInt(strings.TrimPrefix(arg, "@"), 10, 64)
	if err != nil {
		return pre("expected a numeric gid; links and usernames are not resolved")
	}
	if a.leave == nil {
		return pre("leave is not wired")
	}
	if err := a.leave(ctx, gid); err != nil {
		if ie, ok := ingesterror.As(err); ok {
			return pre(fmt.Sprintf("leave failed: %s (%s)", ie.Error(), ie.Kind))
		}
		return pre("leave failed: " + err.Error())
	}
	return pre(fmt.Sprintf("left group %d", gid))
}

func (a *AdminOps) stats(ctx context.Context) string {
	var b strings.Builder
	for _, w := range a.workers {
		st := w.Stat(ctx)
		fmt.Fprintf(&b, "%-20s last=%ds ago qsize=%d\n", st.Name, st.SecondsSinceLast, st.QSize)
	}
	return pre(b.String())
}

func (a *AdminOps) threads() string {
	return pre(fmt.Sprintf("%d worker classes registered", len(a.workers)))
}

func (a *AdminOps) workersStatus(ctx context.Context) string {
	return a.stats(ctx)
}

func (a *AdminOps) fetch(ctx context.Context, arg string) string {
	gid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return pre("usage: /fetch <gid>")
	}
	if a.historyJoin == nil {
		return pre("history back-fill is not wired")
	}
	if err := a.historyJoin(ctx, gid); err != nil {
		return pre("fetch failed: " + err.Error())
	}
	return pre(fmt.Sprintf("back-fill queued for group %d", gid))
}

func (a *AdminOps) dialogs() string {
	payload, err := json.Marshal(struct {
		Note string `json:"note"`
	}{Note: "use the client-bound /dialogs via the peers manager (List/RefreshDialogs on CommandExecutor)"})
	if err != nil {
		return pre(err.Error())
	}
	return pre(string(payload))
}
