package transport

import (
	"context"
	"time"
)

// ChannelTarget identifies a guild text channel.
type ChannelTarget struct {
	GuildID   string
	ChannelID string
}

func (t ChannelTarget) IsZero() bool { return t.ChannelID == "" }

// SendOptions tweaks outgoing messages.
type SendOptions struct {
	// Silent suppresses the platform notification ping.
	Silent bool
}

// Adapter is the boundary to the chat platform.
//
// The scheduler core and its consumers only ever talk to this interface.
// A production build plugs in a real Discord gateway client; tests and
// dry runs use the console adapter.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Moderation primitives used by scheduled task handlers.
	Ban(ctx context.Context, guildID, userID, reason string) error
	Unban(ctx context.Context, guildID, userID, reason string) error
	Mute(ctx context.Context, guildID, userID string, d time.Duration, reason string) error
	Unmute(ctx context.Context, guildID, userID, reason string) error

	SendText(ctx context.Context, to ChannelTarget, text string, opts *SendOptions) error
}
