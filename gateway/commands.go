package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/protocol"
	"github.com/JammyGeeza/Archipelago-sub000/store"
)

// CommandRequest identifies where a chat command came from.
type CommandRequest struct {
	GuildID   string
	ChannelID string
	UserID    string
}

// Commands exposes the chat-facing operations. Every method returns a reply
// string: a command never leaves the user without a response.
type Commands struct {
	sup     *Supervisor
	dataDir string
	logger  *zap.Logger
}

// NewCommands wires the command front end to a supervisor. dataDir is where
// per-room multidata/savedata files live.
func NewCommands(sup *Supervisor, dataDir string, logger *zap.Logger) *Commands {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Commands{sup: sup, dataDir: dataDir, logger: logger}
}

// Bind binds this channel to a room and starts its agent.
func (c *Commands) Bind(ctx context.Context, req CommandRequest, address, password string) string {
	if address == "" {
		return "A room address or port is required."
	}

	slug := roomSlug(address)
	cfg := store.RoomConfig{
		Address:       address,
		GuildID:       req.GuildID,
		ChannelID:     req.ChannelID,
		MultidataPath: filepath.Join(c.dataDir, slug+".archipelago"),
		SavedataPath:  filepath.Join(c.dataDir, slug+".apsave"),
		Password:      password,
	}

	bound, err := c.sup.opts.Store.Bind(ctx, cfg)
	if err != nil {
		if errors.Is(err, store.ErrChannelBound) {
			return "This channel is already bound to a room. Unbind it first."
		}
		if errors.Is(err, store.ErrRoomBound) {
			return fmt.Sprintf("Room `%s` is already bound to another channel.", address)
		}
		c.logger.Error("bind failed", zap.String("room", address), zap.Error(err))
		return "Binding failed; check the gateway logs."
	}

	if err := c.sup.CreateAgent(ctx, *bound); err != nil {
		// Roll the binding back so the store and the process map agree.
		if _, uerr := c.sup.opts.Store.Unbind(ctx, bound.Address); uerr != nil {
			c.logger.Error("rollback unbind failed", zap.String("room", address), zap.Error(uerr))
		}
		c.logger.Error("agent start failed", zap.String("room", address), zap.Error(err))
		return fmt.Sprintf("Could not start an agent for `%s`.", address)
	}

	return fmt.Sprintf("Bound this channel to room `%s`.", address)
}

// Unbind removes this channel's binding and stops its agent.
func (c *Commands) Unbind(ctx context.Context, req CommandRequest) string {
	cfg, err := c.sup.opts.Store.BindingByChannel(ctx, req.GuildID, req.ChannelID)
	if err != nil {
		c.logger.Error("binding lookup failed", zap.Error(err))
		return "Unbind failed; check the gateway logs."
	}
	if cfg == nil {
		return "This channel is not bound to a room."
	}

	if _, err := c.sup.opts.Store.Unbind(ctx, cfg.Address); err != nil {
		c.logger.Error("unbind failed", zap.String("room", cfg.Address), zap.Error(err))
		return "Unbind failed; check the gateway logs."
	}

	if err := c.sup.StopAgent(cfg.Address); err != nil && !errors.Is(err, ErrAgentNotRunning) {
		c.logger.Warn("agent stop failed", zap.String("room", cfg.Address), zap.Error(err))
	}

	return fmt.Sprintf("Unbound room `%s` from this channel.", cfg.Address)
}

// List renders every active binding in the guild.
func (c *Commands) List(ctx context.Context, req CommandRequest) string {
	bindings, err := c.sup.opts.Store.ActiveBindings(ctx)
	if err != nil {
		c.logger.Error("binding list failed", zap.Error(err))
		return "Listing failed; check the gateway logs."
	}

	var lines []string
	for _, cfg := range bindings {
		if cfg.GuildID != req.GuildID {
			continue
		}
		status := protocol.StatusStopped
		if live, err := c.sup.AgentStatus(cfg.Address); err == nil {
			status = live
		}
		lines = append(lines, fmt.Sprintf("`%s` → <#%s> (%s)", cfg.Address, cfg.ChannelID, status))
	}
	if len(lines) == 0 {
		return "No rooms are bound in this server."
	}
	return strings.Join(lines, "\n")
}

// Status reports the live agent status for this channel's room and asks the
// agent for a fresh report.
func (c *Commands) Status(ctx context.Context, req CommandRequest) string {
	cfg, err := c.sup.opts.Store.BindingByChannel(ctx, req.GuildID, req.ChannelID)
	if err != nil {
		c.logger.Error("binding lookup failed", zap.Error(err))
		return "Status check failed; check the gateway logs."
	}
	if cfg == nil {
		return "This channel is not bound to a room."
	}

	status, err := c.sup.AgentStatus(cfg.Address)
	if err != nil {
		return fmt.Sprintf("Room `%s` has no running agent.", cfg.Address)
	}

	// Nudge the agent for a fresh report; the reply arrives as a normal
	// status post.
	if err := c.sup.SendToAgent(cfg.Address, protocol.StatusResponse{Status: status}); err != nil {
		c.logger.Warn("status probe failed", zap.String("room", cfg.Address), zap.Error(err))
	}

	return fmt.Sprintf("Room `%s` is **%s**.", cfg.Address, status)
}

// NotifyOptions carries a user's notification preferences from a slash
// command. Zero fields leave the corresponding matcher unset.
type NotifyOptions struct {
	SlotID    int
	HintFlags int
	ItemFlags int
	Term      string
	ItemID    int64
	Target    int
}

// Notify saves a mention subscription for this channel's room.
func (c *Commands) Notify(ctx context.Context, req CommandRequest, opts NotifyOptions) string {
	cfg, err := c.sup.opts.Store.BindingByChannel(ctx, req.GuildID, req.ChannelID)
	if err != nil {
		c.logger.Error("binding lookup failed", zap.Error(err))
		return "Subscribing failed; check the gateway logs."
	}
	if cfg == nil {
		return "This channel is not bound to a room."
	}
	if opts.HintFlags == 0 && opts.ItemFlags == 0 && opts.Term == "" && opts.Target <= 0 {
		return "Nothing to watch: set hint flags, item flags, a term, or an item target."
	}
	if opts.Target > 0 && opts.ItemID == 0 {
		return "An item id is required with a count target."
	}

	sub := store.Subscription{
		Address:   cfg.Address,
		UserID:    req.UserID,
		SlotID:    opts.SlotID,
		HintFlags: opts.HintFlags,
		ItemFlags: opts.ItemFlags,
	}
	if opts.Term != "" {
		sub.Terms = []string{opts.Term}
	}
	if opts.Target > 0 {
		sub.ItemTargets = map[int64]store.CountTarget{opts.ItemID: {Target: opts.Target}}
	}

	if err := c.sup.opts.Store.Subscribe(ctx, sub); err != nil {
		c.logger.Error("subscribe failed", zap.String("room", cfg.Address), zap.Error(err))
		return "Subscribing failed; check the gateway logs."
	}
	return fmt.Sprintf("You will be mentioned for matching events in room `%s`.", cfg.Address)
}

// Unnotify removes every subscription the user holds for this channel's room.
func (c *Commands) Unnotify(ctx context.Context, req CommandRequest) string {
	cfg, err := c.sup.opts.Store.BindingByChannel(ctx, req.GuildID, req.ChannelID)
	if err != nil {
		c.logger.Error("binding lookup failed", zap.Error(err))
		return "Unsubscribing failed; check the gateway logs."
	}
	if cfg == nil {
		return "This channel is not bound to a room."
	}

	if err := c.sup.opts.Store.Unsubscribe(ctx, cfg.Address, req.UserID); err != nil {
		c.logger.Error("unsubscribe failed", zap.String("room", cfg.Address), zap.Error(err))
		return "Unsubscribing failed; check the gateway logs."
	}
	return fmt.Sprintf("You will no longer be mentioned for room `%s`.", cfg.Address)
}

// roomSlug turns a room address into a filesystem-safe name.
func roomSlug(address string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, address)
	return slug
}
