// Package core содержит оболочки вокруг gotd для авторизации и управления сессией пользовательского Telegram‑клиента.
// Этот файл описывает клиентское ядро (ClientCore): создание клиента, интерактивную авторизацию,
// доступ к RPC и корректное завершение сессии с очисткой локального состояния.
package core

import (
	"context"
	"fmt"
	"os"

	"telegram-ingest-fabric/internal/infra/logger"
	authwrap "telegram-ingest-fabric/internal/telegram/auth"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// ClientCore — тонкая обёртка над gotd, объединяющая сетевой клиент и RPC‑клиента.
// Хранит телефон и путь к сессии, нужные для интерактивной авторизации и logout.
type ClientCore struct {
	Client *telegram.Client
	API    *tg.Client

	phoneNumber string
	sessionFile string
}

// New создаёт ClientCore поверх уже сконструированного gotd-клиента (dispatcher
// передаётся через options.UpdateHandler — сам New его не трогает). phoneNumber
// и sessionFile используются только при Login/Logout.
func New(client *telegram.Client, phoneNumber, sessionFile string) (*ClientCore, error) {
	if client == nil {
		return nil, fmt.Errorf("core: nil telegram client")
	}
	return &ClientCore{
		Client:      client,
		API:         client.API(),
		phoneNumber: phoneNumber,
		sessionFile: sessionFile,
	}, nil
}

// Login выполняет интерактивную авторизацию:
//  1. проверяет текущий статус сессии (Auth.Status),
//  2. если не авторизованы — запускает auth.Flow с TerminalAuthenticator.
func (c *ClientCore) Login(ctx context.Context) error {
	status, err := c.Client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status error: %w", err)
	}
	if status.Authorized {
		logger.Debug("Already authorized, session restored")
		return nil
	}

	flow := auth.NewFlow(
		authwrap.TerminalAuthenticator{PhoneNumber: c.phoneNumber},
		auth.SendCodeOptions{},
	)
	return c.Client.Auth().IfNecessary(ctx, flow)
}

func (c *ClientCore) Logout(ctx context.Context) error {
	if _, err := c.API.AuthLogOut(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	if err := os.Remove(c.sessionFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	logger.Info("Logged out successfully")
	return nil
}

// ConnectAndLogin is the connectUser callback shape senders.CreateClients
// expects: constructs a gotd client for one account config, runs it until
// authorized, and returns the live client. The caller is responsible for
// keeping client.Run's goroutine alive for the process lifetime — that
// happens in the orchestrator (internal/app), not here, since this helper
// only covers the auth handshake.
func ConnectAndLogin(ctx context.Context, apiID int, apiHash string, options telegram.Options, phoneNumber, sessionFile string) (*telegram.Client, error) {
	client := telegram.NewClient(apiID, apiHash, options)
	ready := make(chan error, 1)
	runErr := make(chan error, 1)

	go func() {
		runErr <- client.Run(ctx, func(runCtx context.Context) error {
			cc, err := New(client, phoneNumber, sessionFile)
			if err != nil {
				ready <- err
				return err
			}
			if err := cc.Login(runCtx); err != nil {
				ready <- err
				return err
			}
			ready <- nil
			<-runCtx.Done()
			return runCtx.Err()
		})
	}()

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
	case err := <-runErr:
		// Run returned before the callback signalled readiness: dial itself failed.
		return nil, fmt.Errorf("core: client.Run exited before login: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}
