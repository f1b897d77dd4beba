// Package agent implements the per-room child process. Each agent owns two
// reconnecting links: a websocket leg to the Archipelago server and a stdio
// leg to the gateway that spawned it, and translates between the two.
//
// # Key Invariants
//
//   - The agent is a passive observer: it never requests items or mutates
//     gameplay state; items_handling is zero in the Connect handshake.
//   - The agent exits as soon as either link terminates. Respawn policy
//     belongs to the gateway, not the agent.
//   - Item sends are aggregated per recipient before being surfaced, so the
//     gateway can treat ItemMessage counts as final.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/link"
	"github.com/JammyGeeza/Archipelago-sub000/protocol"
)

// Client identity presented to the Archipelago server.
const (
	clientGame = ""
	clientName = "ArchipelagoRelay"
)

var clientTags = []string{"Bot", "Deathlink", "Tracker"}

var clientVersion = protocol.Version{Major: 0, Minor: 5, Build: 0, Class: "Version"}

// Backoff tables for the two legs. The upstream server may be down for a
// while; the stdio pipe to the parent either works or the agent should die.
var (
	upstreamBackoff = []time.Duration{
		5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second,
	}
	stdioBackoff = []time.Duration{
		5 * time.Second, 10 * time.Second, 15 * time.Second,
	}
)

var errRefused = errors.New("connection refused by server")

// Options configures an Agent.
type Options struct {
	// Address is the Archipelago server host:port.
	Address string

	// Password is the optional room password for the Connect handshake.
	Password string

	// Stdin and Stdout carry the NDJSON frames to and from the gateway.
	// Defaults are wired by cmd/agent; tests inject pipes.
	Stdin  io.Reader
	Stdout io.Writer

	// FlushWindow is how long item sends accumulate before one ItemMessage
	// per recipient is emitted.
	FlushWindow time.Duration

	// DialUpstream overrides the websocket dialer. Nil uses the real one.
	DialUpstream link.Dialer

	Logger *zap.Logger
}

// Agent is the per-room relay runtime.
type Agent struct {
	opts   Options
	logger *zap.Logger

	upstream *link.Link
	local    *link.Link
	agg      *aggregator
	uuid     string

	mu     sync.Mutex
	status string
}

// New builds an Agent and wires both registries. The upstream registry drops
// unknown kinds (third-party servers evolve independently); the local
// registry rejects them (a mismatch with the gateway is a bug).
func New(opts Options) (*Agent, error) {
	if opts.Address == "" {
		return nil, errors.New("server address is required")
	}
	if opts.Stdin == nil || opts.Stdout == nil {
		return nil, errors.New("stdio streams are required")
	}
	if opts.FlushWindow <= 0 {
		opts.FlushWindow = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	a := &Agent{
		opts:   opts,
		logger: opts.Logger,
		uuid:   uuid.NewString(),
		status: protocol.StatusStarting,
	}
	a.agg = newAggregator(opts.FlushWindow, a.emitItems)

	upstreamReg := protocol.NewRegistry(protocol.DropUnknown, opts.Logger.Named("upstream"))
	upstreamReg.MustHandle(protocol.CmdRoomInfo, a.onRoomInfo)
	upstreamReg.MustHandle(protocol.CmdConnected, a.onConnected)
	upstreamReg.MustHandle(protocol.CmdConnectionRefused, a.onRefused)
	upstreamReg.MustHandle(protocol.CmdReceivedItems, a.onReceivedItems)
	upstreamReg.MustHandle(protocol.CmdPrintJSON, a.onPrintJSON)

	localReg := protocol.NewRegistry(protocol.RejectUnknown, opts.Logger.Named("stdio"))
	localReg.MustHandle(protocol.CmdStatusResponse, a.onStatusQuery)

	dialUpstream := opts.DialUpstream
	if dialUpstream == nil {
		dialUpstream = dialServer(opts.Address, upstreamReg, a.isFatal, opts.Logger.Named("ws"))
	}

	up, err := link.New(link.Options{
		Name:     "upstream",
		Dial:     dialUpstream,
		Timeouts: upstreamBackoff,
		Hooks: link.Hooks{
			OnDisconnected: a.onUpstreamDown,
		},
		Logger: opts.Logger.Named("link"),
	})
	if err != nil {
		return nil, err
	}
	a.upstream = up

	pipe := newStdioPipe(opts.Stdin, opts.Stdout, localReg, opts.Logger.Named("stdio"))
	lo, err := link.New(link.Options{
		Name:     "stdio",
		Dial:     pipe.dial,
		Timeouts: stdioBackoff,
		Logger:   opts.Logger.Named("link"),
	})
	if err != nil {
		return nil, err
	}
	a.local = lo

	return a, nil
}

// Run starts both links and blocks until either terminates or ctx is
// cancelled. Losing either connection for good shuts the whole agent down;
// the gateway judges whether to respawn.
func (a *Agent) Run(ctx context.Context) error {
	a.local.Start(ctx)
	a.upstream.Start(ctx)
	a.setStatus(protocol.StatusConnecting)

	select {
	case <-ctx.Done():
	case <-a.upstream.Done():
		a.logger.Info("upstream link ended, shutting down")
	case <-a.local.Done():
		a.logger.Info("stdio link ended, shutting down")
	}

	a.agg.stop()
	a.upstream.Stop()
	a.local.Stop()
	return ctx.Err()
}

// Status returns the current status string.
func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func (a *Agent) isFatal(err error) bool {
	return errors.Is(err, errRefused)
}

// onRoomInfo answers the server's banner with the relay's fixed observer
// identity.
func (a *Agent) onRoomInfo(ctx context.Context, raw json.RawMessage) error {
	var info protocol.RoomInfo
	if err := protocol.DecodeInto(raw, &info); err != nil {
		return err
	}
	a.logger.Info("room info received",
		zap.Strings("games", info.Games),
		zap.Bool("password_required", info.PasswordRequired),
	)

	connect := protocol.Connect{
		Game:          clientGame,
		ItemsHandling: 0,
		Name:          clientName,
		Password:      a.opts.Password,
		SlotData:      false,
		Tags:          clientTags,
		UUID:          a.uuid,
		Version:       clientVersion,
	}
	return a.sendUpstream(ctx, connect)
}

func (a *Agent) onConnected(ctx context.Context, raw json.RawMessage) error {
	a.logger.Info("connected to server", zap.String("address", a.opts.Address))
	a.setStatus(protocol.StatusConnected)
	a.emitStatus(ctx)
	return nil
}

// onRefused surfaces the rejection and force-closes the session; the link
// re-enters backoff rather than retrying the same credentials immediately.
func (a *Agent) onRefused(ctx context.Context, raw json.RawMessage) error {
	var refused protocol.ConnectionRefused
	if err := protocol.DecodeInto(raw, &refused); err != nil {
		return err
	}
	a.logger.Warn("server refused connection", zap.Strings("errors", refused.Errors))
	a.setStatus(protocol.StatusDisconnected)
	a.emitStatus(ctx)
	return errRefused
}

func (a *Agent) onReceivedItems(ctx context.Context, raw json.RawMessage) error {
	var items protocol.ReceivedItems
	if err := protocol.DecodeInto(raw, &items); err != nil {
		return err
	}
	// Passive observer; nothing is granted to the relay slot.
	a.logger.Debug("received items ignored", zap.Int("count", len(items.Items)))
	return nil
}

// onPrintJSON translates server notices: item sends feed the aggregator,
// hints become HintMessage, everything else passes through as free text.
func (a *Agent) onPrintJSON(ctx context.Context, raw json.RawMessage) error {
	var notice protocol.PrintJSON
	if err := protocol.DecodeInto(raw, &notice); err != nil {
		return err
	}

	switch notice.Type {
	case protocol.PrintTypeItemSend:
		a.agg.add(notice.Receiving, notice.Item.Item, notice.Item.Flags)
		return nil
	case protocol.PrintTypeHint:
		return a.sendLocal(ctx, protocol.HintMessage{
			Recipient: notice.Receiving,
			Item:      notice.Item,
		})
	default:
		text := notice.Text()
		if text == "" {
			return nil
		}
		return a.sendLocal(ctx, protocol.DiscordMessage{Text: text})
	}
}

// onStatusQuery answers a StatusResponse probe from the gateway the same way
// a status event would be reported.
func (a *Agent) onStatusQuery(ctx context.Context, raw json.RawMessage) error {
	a.emitStatus(ctx)
	return nil
}

func (a *Agent) onUpstreamDown(err error) {
	a.setStatus(protocol.StatusDisconnected)
	a.emitStatus(context.Background())
}

func (a *Agent) emitStatus(ctx context.Context) {
	if err := a.sendLocal(ctx, protocol.StatusResponse{Status: a.Status()}); err != nil {
		a.logger.Warn("failed reporting status to gateway", zap.Error(err))
	}
}

func (a *Agent) emitItems(msg protocol.ItemMessage) {
	if err := a.sendLocal(context.Background(), msg); err != nil {
		a.logger.Warn("failed reporting items to gateway",
			zap.Int("recipient", msg.Recipient),
			zap.Error(err),
		)
	}
}

func (a *Agent) sendUpstream(ctx context.Context, packets ...protocol.Packet) error {
	frame, err := protocol.Encode(packets...)
	if err != nil {
		return err
	}
	return a.upstream.Send(ctx, frame)
}

func (a *Agent) sendLocal(ctx context.Context, packets ...protocol.Packet) error {
	frame, err := protocol.Encode(packets...)
	if err != nil {
		return err
	}
	return a.local.Send(ctx, frame)
}
