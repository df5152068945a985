// Package senders реализует реестр отправителей (C3): каталог всех
// залогиненных аккаунтов — клиентских (gotd/td, MTProto) и ботовых
// (gotgbot, Bot API) — по всему процессу, ключуемый account id, плюс один
// выделенный аккаунт-"invoker" для привилегированных вызовов (join, probe,
// история). Заменяет глобальное модульное состояние оригинала
// (`senders.clients`, `senders.bot`, `senders.invoker`) явным значением,
// которое оркестратор строит один раз и передаёт дальше.
package senders

import (
	"context"
	"fmt"
	"sync"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/gotd/td/telegram"

	"telegram-ingest-fabric/internal/infra/logger"
)

// AccountConfig describes one configured user account (static config
// enumeration).
type AccountConfig struct {
	UID         int64
	SessionName string
	PhoneNumber string
	APIID       int
	APIHash     string
}

// BotConfig describes one configured bot account.
type BotConfig struct {
	UID   int64
	Name  string
	Token string
	Path  string // webhook path suffix
}

// Registry — процесс-широкий каталог аккаунтов.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*telegram.Client
	bots    map[string]*gotgbot.Bot
	invoker *telegram.Client

	invokerUID int64
}

// New создаёт пустой реестр. Заполняется через Register*/SetInvoker в
// процессе подключения аккаунтов (internal/app), по одному элементу за раз —
// так что частично построенный реестр безопасно наблюдать из конкурентных
// горутин уже подключившихся аккаунтов.
func New() *Registry {
	return &Registry{
		clients: make(map[int64]*telegram.Client),
		bots:    make(map[string]*gotgbot.Bot),
	}
}

// RegisterClient связывает аккаунт uid с подключённым MTProto-клиентом.
func (r *Registry) RegisterClient(uid int64, cl *telegram.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[uid] = cl
}

// RegisterBot связывает токен с подключённым Bot API клиентом.
func (r *Registry) RegisterBot(token string, bot *gotgbot.Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[token] = bot
}

// SetInvoker помечает аккаунт uid как invoker — клиента для всех
// привилегированных вызовов. Возвращает ошибку, если аккаунт ещё не
// зарегистрирован: invoker обязан быть валидным подключённым клиентом (контракт C3).
func (r *Registry) SetInvoker(uid int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl, ok := r.clients[uid]
	if !ok {
		return fmt.Errorf("senders: cannot set invoker %d: account not registered", uid)
	}
	r.invoker = cl
	r.invokerUID = uid
	return nil
}

// Invoker возвращает привилегированный клиент. Ненулевой после успешного
// вызова SetInvoker; до него возвращает nil.
func (r *Registry) Invoker() *telegram.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.invoker
}

// InvokerUID возвращает uid аккаунта-invoker.
func (r *Registry) InvokerUID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.invokerUID
}

// Client возвращает клиент для uid, если аккаунт с таким id аутентифицирован.
func (r *Registry) Client(uid int64) (*telegram.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.clients[uid]
	return cl, ok
}

// Bot возвращает Bot API клиент по токену.
func (r *Registry) Bot(token string) (*gotgbot.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[token]
	return b, ok
}

// Tokens возвращает снимок всех зарегистрированных токенов — используется
// выбором доступного бота (C8.1) для равномерного случайного выбора среди
// тех, чей штраф истёк.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bots))
	for tok := range r.bots {
		out = append(out, tok)
	}
	return out
}

// CreateClients строит реестр из статической конфигурации: по одному
// MTProto-клиенту на пользовательский аккаунт (строит вызывающий код в
// internal/app, так как конструирование клиента требует auth-flow), и по
// одному Bot API клиенту на токен. connectUser — функция подключения и
// авторизации, переданная явно, чтобы этот пакет не знал деталей auth-flow
// (он живёт в internal/telegram/auth, используется оркестратором).
func CreateClients(ctx context.Context, accounts []AccountConfig, bots []BotConfig,
	connectUser func(ctx context.Context, acc AccountConfig) (*telegram.Client, error),
	newBot func(token string) (*gotgbot.Bot, error),
) (*Registry, error) {
	reg := New()
	for _, acc := range accounts {
		cl, err := connectUser(ctx, acc)
		if err != nil {
			return nil, fmt.Errorf("senders: connect account %d (%s): %w", acc.UID, acc.SessionName, err)
		}
		reg.RegisterClient(acc.UID, cl)
		logger.Infof("account %d (%s) connected", acc.UID, acc.SessionName)
	}
	for _, b := range bots {
		bot, err := newBot(b.Token)
		if err != nil {
			return nil, fmt.Errorf("senders: create bot %s: %w", b.Name, err)
		}
		reg.RegisterBot(b.Token, bot)
		logger.Infof("bot %s registered", b.Name)
	}
	return reg, nil
}
