// Package console provides a transport.Adapter that performs no network
// calls and instead logs every platform action. It keeps the bot runnable
// without credentials and backs the moderation tests.
package console

import (
	"context"
	"sync"
	"time"

	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Adapter struct {
	log logx.Logger

	mu      sync.Mutex
	started bool
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.log.Info("console adapter started (platform calls are logged, not sent)")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Ban(ctx context.Context, guildID, userID, reason string) error {
	a.log.Info("ban", logx.String("guild", guildID), logx.String("user", userID), logx.String("reason", reason))
	return nil
}

func (a *Adapter) Unban(ctx context.Context, guildID, userID, reason string) error {
	a.log.Info("unban", logx.String("guild", guildID), logx.String("user", userID), logx.String("reason", reason))
	return nil
}

func (a *Adapter) Mute(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	a.log.Info("mute", logx.String("guild", guildID), logx.String("user", userID), logx.Duration("for", d), logx.String("reason", reason))
	return nil
}

func (a *Adapter) Unmute(ctx context.Context, guildID, userID, reason string) error {
	a.log.Info("unmute", logx.String("guild", guildID), logx.String("user", userID), logx.String("reason", reason))
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChannelTarget, text string, opts *transport.SendOptions) error {
	a.log.Info("send", logx.String("guild", to.GuildID), logx.String("channel", to.ChannelID), logx.String("text", text))
	return nil
}
