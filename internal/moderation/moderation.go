// Package moderation holds the scheduler consumers for timed moderation
// actions: temporary bans and mutes whose lift actions must survive
// restarts.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modbot/internal/scheduler"
	"modbot/internal/transport"
	logx "modbot/pkg/logx"
)

// Task kinds persisted by this package. Stable strings: changing them
// orphans already-persisted tasks.
const (
	KindUnban  = "moderation:unban"
	KindUnmute = "moderation:unmute"
)

type liftPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type Service struct {
	adapter transport.Adapter
	sched   *scheduler.Service
	log     logx.Logger

	// modLog receives handler failure notices; zero target disables them.
	modLog transport.ChannelTarget
}

func New(adapter transport.Adapter, sched *scheduler.Service, modLog transport.ChannelTarget, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{adapter: adapter, sched: sched, modLog: modLog, log: log}
}

// RegisterKinds attaches this package's handlers. Must run during bootstrap,
// before any guild is resumed, or restored lift tasks cannot fire.
func (m *Service) RegisterKinds(reg *scheduler.Registry) {
	reg.Register(KindUnban, m.handleUnban)
	reg.Register(KindUnmute, m.handleUnmute)
}

// TempBan bans the user now and schedules the unban. If the unban cannot be
// durably scheduled the ban is rolled back, so a restart can never strand a
// permanent ban that was meant to expire.
func (m *Service) TempBan(ctx context.Context, guildID, userID string, d time.Duration, reason string) (*scheduler.Task, error) {
	if d <= 0 {
		return nil, fmt.Errorf("tempban: duration must be > 0")
	}
	if err := m.adapter.Ban(ctx, guildID, userID, reason); err != nil {
		return nil, fmt.Errorf("tempban: ban %s in guild %s: %w", userID, guildID, err)
	}
	t, err := m.sched.Schedule(ctx, guildID, scheduler.Once(d), KindUnban, liftPayload{UserID: userID, Reason: reason})
	if err != nil {
		if uerr := m.adapter.Unban(ctx, guildID, userID, "tempban rollback: scheduling failed"); uerr != nil {
			m.log.Error("tempban rollback failed; user remains banned",
				logx.String("guild", guildID), logx.String("user", userID), logx.Err(uerr))
		}
		return nil, fmt.Errorf("tempban: %w", err)
	}
	m.log.Info("tempban applied",
		logx.String("guild", guildID), logx.String("user", userID),
		logx.Duration("for", d), logx.Time("lift", t.Due()))
	return t, nil
}

// TempMute mutes the user now and schedules the unmute.
func (m *Service) TempMute(ctx context.Context, guildID, userID string, d time.Duration, reason string) (*scheduler.Task, error) {
	if d <= 0 {
		return nil, fmt.Errorf("tempmute: duration must be > 0")
	}
	if err := m.adapter.Mute(ctx, guildID, userID, d, reason); err != nil {
		return nil, fmt.Errorf("tempmute: mute %s in guild %s: %w", userID, guildID, err)
	}
	t, err := m.sched.Schedule(ctx, guildID, scheduler.Once(d), KindUnmute, liftPayload{UserID: userID, Reason: reason})
	if err != nil {
		if uerr := m.adapter.Unmute(ctx, guildID, userID, "tempmute rollback: scheduling failed"); uerr != nil {
			m.log.Error("tempmute rollback failed; user remains muted",
				logx.String("guild", guildID), logx.String("user", userID), logx.Err(uerr))
		}
		return nil, fmt.Errorf("tempmute: %w", err)
	}
	m.log.Info("tempmute applied",
		logx.String("guild", guildID), logx.String("user", userID),
		logx.Duration("for", d), logx.Time("lift", t.Due()))
	return t, nil
}

func (m *Service) handleUnban(ctx context.Context, t *scheduler.Task, payload json.RawMessage) error {
	var p liftPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unban payload: %w", err)
	}
	if err := m.adapter.Unban(ctx, t.Guild(), p.UserID, "temporary ban expired"); err != nil {
		m.notifyFailure(ctx, t.Guild(), fmt.Sprintf("could not lift ban for user %s: %v", p.UserID, err))
		return fmt.Errorf("unban %s: %w", p.UserID, err)
	}
	m.log.Info("temporary ban lifted", logx.String("guild", t.Guild()), logx.String("user", p.UserID))
	return nil
}

func (m *Service) handleUnmute(ctx context.Context, t *scheduler.Task, payload json.RawMessage) error {
	var p liftPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unmute payload: %w", err)
	}
	if err := m.adapter.Unmute(ctx, t.Guild(), p.UserID, "temporary mute expired"); err != nil {
		m.notifyFailure(ctx, t.Guild(), fmt.Sprintf("could not lift mute for user %s: %v", p.UserID, err))
		return fmt.Errorf("unmute %s: %w", p.UserID, err)
	}
	m.log.Info("temporary mute lifted", logx.String("guild", t.Guild()), logx.String("user", p.UserID))
	return nil
}

// notifyFailure posts a lift failure into the moderation log channel. The
// scheduler does not retry failed firings; surfacing the failure to the
// moderators is this package's chosen recovery path.
func (m *Service) notifyFailure(ctx context.Context, guildID, msg string) {
	if m.modLog.IsZero() {
		return
	}
	if err := m.adapter.SendText(ctx, m.modLog, msg, nil); err != nil {
		m.log.Warn("mod-log notify failed", logx.String("guild", guildID), logx.Err(err))
	}
}
