package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/protocol"
)

var errNoAgentContext = errors.New("dispatch context missing agent handle")

// onStatus posts a status change to the room's channel.
func (s *Supervisor) onStatus(ctx context.Context, raw json.RawMessage) error {
	h, ok := agentFrom(ctx)
	if !ok {
		return errNoAgentContext
	}
	var status protocol.StatusResponse
	if err := protocol.DecodeInto(raw, &status); err != nil {
		return err
	}

	h.setStatus(status.Status)
	text := fmt.Sprintf("Room `%s` is now **%s**.", h.cfg.Address, status.Status)
	return s.post(h, text)
}

// onItems posts one message per pre-aggregated item delivery. The agent has
// already combined repeated sends, so Items carries final counts.
func (s *Supervisor) onItems(ctx context.Context, raw json.RawMessage) error {
	h, ok := agentFrom(ctx)
	if !ok {
		return errNoAgentContext
	}
	var msg protocol.ItemMessage
	if err := protocol.DecodeInto(raw, &msg); err != nil {
		return err
	}

	parts := make([]string, 0, len(msg.Items))
	mentions, err := s.opts.Store.UsersForItemFlags(ctx, h.cfg.Address, msg.Flags)
	if err != nil {
		s.logger.Warn("item flag lookup failed",
			zap.String("room", h.cfg.Address),
			zap.Error(err),
		)
	}
	ids := make([]int64, 0, len(msg.Items))
	for id := range msg.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		count := msg.Items[id]
		if count > 1 {
			parts = append(parts, fmt.Sprintf("item %d ×%d", id, count))
		} else {
			parts = append(parts, fmt.Sprintf("item %d", id))
		}

		users, err := s.opts.Store.UsersForItemCount(ctx, h.cfg.Address, id, count)
		if err != nil {
			s.logger.Warn("item count lookup failed",
				zap.String("room", h.cfg.Address),
				zap.Int64("item", id),
				zap.Error(err),
			)
			continue
		}
		mentions = append(mentions, users...)
	}

	text := fmt.Sprintf("Player %d received %s.", msg.Recipient, strings.Join(parts, ", "))
	return s.post(h, withMentions(text, mentions))
}

// onHint posts a hint notice with flag-matched mentions appended.
func (s *Supervisor) onHint(ctx context.Context, raw json.RawMessage) error {
	h, ok := agentFrom(ctx)
	if !ok {
		return errNoAgentContext
	}
	var msg protocol.HintMessage
	if err := protocol.DecodeInto(raw, &msg); err != nil {
		return err
	}

	mentions, err := s.opts.Store.UsersForHintFlags(ctx, h.cfg.Address, msg.Item.Flags)
	if err != nil {
		s.logger.Warn("hint subscription lookup failed",
			zap.String("room", h.cfg.Address),
			zap.Error(err),
		)
	}

	text := fmt.Sprintf("Hint for player %d: item %d at location %d (player %d).",
		msg.Recipient, msg.Item.Item, msg.Item.Location, msg.Item.Player)
	return s.post(h, withMentions(text, mentions))
}

// onText passes a free-form server notice through, mentioning anyone whose
// subscribed term matches the text.
func (s *Supervisor) onText(ctx context.Context, raw json.RawMessage) error {
	h, ok := agentFrom(ctx)
	if !ok {
		return errNoAgentContext
	}
	var msg protocol.DiscordMessage
	if err := protocol.DecodeInto(raw, &msg); err != nil {
		return err
	}
	if msg.Text == "" {
		return nil
	}

	mentions, err := s.opts.Store.UsersForTerm(ctx, h.cfg.Address, msg.Text)
	if err != nil {
		s.logger.Warn("term subscription lookup failed",
			zap.String("room", h.cfg.Address),
			zap.Error(err),
		)
	}
	return s.post(h, withMentions(msg.Text, mentions))
}

// post delivers exactly one chat message for one agent event.
func (s *Supervisor) post(h *agentHandle, text string) error {
	if err := s.opts.Poster.PostMessage(h.cfg.ChannelID, text); err != nil {
		return fmt.Errorf("post to channel %s: %w", h.cfg.ChannelID, err)
	}
	return nil
}

func withMentions(text string, userIDs []string) string {
	if len(userIDs) == 0 {
		return text
	}
	seen := make(map[string]struct{}, len(userIDs))
	tags := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		tags = append(tags, "<@"+id+">")
	}
	return text + " " + strings.Join(tags, " ")
}
