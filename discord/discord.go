// Package discord adapts the gateway to the Discord API: message posting,
// admin checks, and slash-command routing. The rest of the system only sees
// the gateway's Poster interface and the Commands front end.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/gateway"
)

const commandTimeout = 10 * time.Second

// Commander handles the slash commands the bot registers.
type Commander interface {
	Bind(ctx context.Context, req gateway.CommandRequest, address, password string) string
	Unbind(ctx context.Context, req gateway.CommandRequest) string
	List(ctx context.Context, req gateway.CommandRequest) string
	Status(ctx context.Context, req gateway.CommandRequest) string
	Notify(ctx context.Context, req gateway.CommandRequest, opts gateway.NotifyOptions) string
	Unnotify(ctx context.Context, req gateway.CommandRequest) string
}

// Options configures the Discord session.
type Options struct {
	Token string

	// AdminOnly gates every slash command behind the Administrator
	// permission check.
	AdminOnly bool

	Commander Commander
	Logger    *zap.Logger
}

// Session wraps one long-lived Discord connection.
type Session struct {
	s         *discordgo.Session
	adminOnly bool
	commander Commander
	logger    *zap.Logger

	commandIDs []string
}

// New builds the session without connecting; call Open.
func New(opts Options) (*Session, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if opts.Commander == nil {
		return nil, fmt.Errorf("commander is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	session := &Session{
		s:         s,
		adminOnly: opts.AdminOnly,
		commander: opts.Commander,
		logger:    opts.Logger,
	}
	s.AddHandler(session.onInteraction)
	return session, nil
}

// Open connects to Discord and registers the slash commands.
func (s *Session) Open() error {
	if err := s.s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if err := s.registerCommands(); err != nil {
		_ = s.s.Close()
		return err
	}
	s.logger.Info("discord session open", zap.String("user", s.s.State.User.Username))
	return nil
}

// Close tears down the registered commands and the connection.
func (s *Session) Close() error {
	appID := s.s.State.User.ID
	for _, id := range s.commandIDs {
		if err := s.s.ApplicationCommandDelete(appID, "", id); err != nil {
			s.logger.Warn("failed removing slash command", zap.String("id", id), zap.Error(err))
		}
	}
	return s.s.Close()
}

// PostMessage implements gateway.Poster.
func (s *Session) PostMessage(channelID, text string) error {
	_, err := s.s.ChannelMessageSend(channelID, text)
	return err
}

// IsAdmin reports whether the user holds the Administrator permission in the
// guild.
func (s *Session) IsAdmin(userID, guildID string) bool {
	guild, err := s.s.State.Guild(guildID)
	if err == nil && guild.OwnerID == userID {
		return true
	}

	member, err := s.s.GuildMember(guildID, userID)
	if err != nil {
		s.logger.Warn("member lookup failed",
			zap.String("guild", guildID),
			zap.String("user", userID),
			zap.Error(err),
		)
		return false
	}
	for _, roleID := range member.Roles {
		role, err := s.s.State.Role(guildID, roleID)
		if err != nil {
			continue
		}
		if role.Permissions&discordgo.PermissionAdministrator != 0 {
			return true
		}
	}
	return false
}

func (s *Session) registerCommands() error {
	appID := s.s.State.User.ID
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "bind",
			Description: "Bind this channel to an Archipelago room",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "address",
					Description: "Room address or port",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "password",
					Description: "Room password",
					Required:    false,
				},
			},
		},
		{Name: "unbind", Description: "Unbind this channel from its room"},
		{Name: "list", Description: "List bound rooms in this server"},
		{Name: "status", Description: "Report the bound room's connection status"},
		{
			Name:        "notify",
			Description: "Get mentioned when room events match your filters",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "slot",
					Description: "Slot id the subscription applies to",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "hints",
					Description: "Hint flag bitmask to match",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "items",
					Description: "Item flag bitmask to match",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "term",
					Description: "Mention when a message contains this text",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "item",
					Description: "Item id for a count target",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "Mention when this many of the item arrived",
					Required:    false,
				},
			},
		},
		{Name: "unnotify", Description: "Stop all your mentions for this channel's room"},
	}

	for _, cmd := range commands {
		created, err := s.s.ApplicationCommandCreate(appID, "", cmd)
		if err != nil {
			return fmt.Errorf("register /%s: %w", cmd.Name, err)
		}
		s.commandIDs = append(s.commandIDs, created.ID)
	}
	return nil
}

func (s *Session) onInteraction(ds *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	req := gateway.CommandRequest{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
	}
	if i.Member != nil && i.Member.User != nil {
		req.UserID = i.Member.User.ID
	}

	data := i.ApplicationCommandData()
	if s.adminOnly && requiresAdmin(data.Name) && !s.IsAdmin(req.UserID, req.GuildID) {
		s.reply(i, "You need administrator permissions to use this command.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var reply string
	switch data.Name {
	case "bind":
		var address, password string
		for _, opt := range data.Options {
			switch opt.Name {
			case "address":
				address = opt.StringValue()
			case "password":
				password = opt.StringValue()
			}
		}
		reply = s.commander.Bind(ctx, req, address, password)
	case "unbind":
		reply = s.commander.Unbind(ctx, req)
	case "list":
		reply = s.commander.List(ctx, req)
	case "status":
		reply = s.commander.Status(ctx, req)
	case "notify":
		var opts gateway.NotifyOptions
		for _, opt := range data.Options {
			switch opt.Name {
			case "slot":
				opts.SlotID = int(opt.IntValue())
			case "hints":
				opts.HintFlags = int(opt.IntValue())
			case "items":
				opts.ItemFlags = int(opt.IntValue())
			case "term":
				opts.Term = opt.StringValue()
			case "item":
				opts.ItemID = opt.IntValue()
			case "count":
				opts.Target = int(opt.IntValue())
			}
		}
		reply = s.commander.Notify(ctx, req, opts)
	case "unnotify":
		reply = s.commander.Unnotify(ctx, req)
	default:
		reply = "Unknown command."
	}

	s.reply(i, reply)
}

// requiresAdmin reports whether a command manages room bindings. Subscription
// and read-only commands stay open to everyone even in admin-only mode.
func requiresAdmin(name string) bool {
	return name == "bind" || name == "unbind"
}

func (s *Session) reply(i *discordgo.InteractionCreate, text string) {
	err := s.s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		s.logger.Warn("interaction reply failed", zap.Error(err))
	}
}
