// Package gateway implements the parent-process supervisor: one agent child
// process per bound room, three pumps per agent (watcher, reader, consumer),
// and fan-out of agent events to the bound Discord channel.
//
// # Key Invariants
//
//   - At most one live agent handle per room identity. A second CreateAgent
//     for the same room is rejected with ErrAgentRunning.
//   - The store is authoritative for bindings; the in-memory map only tracks
//     live processes.
//   - Any process exit, clean or crash, means "agent stopped": the watcher
//     clears the map entry regardless of exit code.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/protocol"
	"github.com/JammyGeeza/Archipelago-sub000/store"
)

var (
	ErrAgentRunning    = errors.New("agent already running for room")
	ErrAgentNotRunning = errors.New("agent not running for room")
	ErrClosed          = errors.New("supervisor closed")
)

const maxFrameBytes = 2 * 1024 * 1024

// Poster posts chat messages to a channel.
type Poster interface {
	PostMessage(channelID, text string) error
}

// Bindings is the store query surface the supervisor consumes.
type Bindings interface {
	ActiveBindings(ctx context.Context) ([]store.RoomConfig, error)
	BindingByChannel(ctx context.Context, guildID, channelID string) (*store.RoomConfig, error)
	Bind(ctx context.Context, cfg store.RoomConfig) (*store.RoomConfig, error)
	Unbind(ctx context.Context, address string) (*store.RoomConfig, error)
	Subscribe(ctx context.Context, sub store.Subscription) error
	Unsubscribe(ctx context.Context, address, userID string) error
	UsersForHintFlags(ctx context.Context, address string, flags int) ([]string, error)
	UsersForItemFlags(ctx context.Context, address string, flags int) ([]string, error)
	UsersForTerm(ctx context.Context, address, text string) ([]string, error)
	UsersForItemCount(ctx context.Context, address string, itemID int64, count int) ([]string, error)
}

// process is a started agent child, abstracted so tests can stand in a fake.
type process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Wait() error
	Terminate() error
}

type spawnFunc func(ctx context.Context, cfg store.RoomConfig) (process, error)

// Options configures a Supervisor.
type Options struct {
	// AgentBin is the path to the agent executable.
	AgentBin string

	// LogLevel is forwarded to spawned agents.
	LogLevel string

	Store  Bindings
	Poster Poster
	Logger *zap.Logger

	// spawn overrides process creation in tests.
	spawn spawnFunc
}

// Supervisor tracks one live agent process per room.
type Supervisor struct {
	opts   Options
	logger *zap.Logger
	spawn  spawnFunc
	reg    *protocol.Registry

	// runCtx spans the supervisor's lifetime and backs the per-agent pumps,
	// which outlive whatever caller context started the agent.
	runCtx context.Context
	stop   context.CancelFunc

	mu     sync.Mutex
	agents map[string]*agentHandle
	closed bool
	wg     sync.WaitGroup
}

// agentHandle is the runtime state for one child process.
type agentHandle struct {
	cfg  store.RoomConfig
	proc process
	recv chan json.RawMessage
	done chan struct{}

	// writeMu serializes stdin writes on its own so a slow pipe never holds
	// up status reads.
	writeMu sync.Mutex

	mu      sync.Mutex
	status  string
	stopped bool
}

func (h *agentHandle) setStatus(status string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// Status returns the last status string reported by (or about) the agent.
func (h *agentHandle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// New builds a Supervisor and registers the gateway-side packet handlers.
// The gateway<->agent leg is internally controlled, so the registry rejects
// unknown kinds.
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Poster == nil {
		return nil, errors.New("poster is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	runCtx, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		spawn:  opts.spawn,
		runCtx: runCtx,
		stop:   stop,
		agents: make(map[string]*agentHandle),
	}
	if s.spawn == nil {
		s.spawn = s.spawnProcess
	}

	reg := protocol.NewRegistry(protocol.RejectUnknown, opts.Logger.Named("dispatch"))
	reg.MustHandle(protocol.CmdStatusResponse, s.onStatus)
	reg.MustHandle(protocol.CmdItemMessage, s.onItems)
	reg.MustHandle(protocol.CmdHintMessage, s.onHint)
	reg.MustHandle(protocol.CmdDiscordMessage, s.onText)
	s.reg = reg

	return s, nil
}

// Recover replays every persisted active binding, spawning one agent each.
// This is how bindings survive a gateway restart. Individual failures are
// logged; the rest of the bindings still come up.
func (s *Supervisor) Recover(ctx context.Context) error {
	bindings, err := s.opts.Store.ActiveBindings(ctx)
	if err != nil {
		return fmt.Errorf("load active bindings: %w", err)
	}
	for _, cfg := range bindings {
		if err := s.CreateAgent(ctx, cfg); err != nil {
			s.logger.Error("failed recovering agent",
				zap.String("room", cfg.Address),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("startup recovery complete", zap.Int("bindings", len(bindings)))
	return nil
}

// CreateAgent spawns the child process for a room and starts its pumps.
// Calling it again for the same room while the first process is alive is
// rejected.
func (s *Supervisor) CreateAgent(ctx context.Context, cfg store.RoomConfig) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, exists := s.agents[cfg.Address]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentRunning, cfg.Address)
	}

	proc, err := s.spawn(ctx, cfg)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("spawn agent for %s: %w", cfg.Address, err)
	}

	h := &agentHandle{
		cfg:    cfg,
		proc:   proc,
		recv:   make(chan json.RawMessage, 64),
		done:   make(chan struct{}),
		status: protocol.StatusStarting,
	}
	s.agents[cfg.Address] = h
	s.wg.Add(3)
	s.mu.Unlock()

	s.logger.Info("agent started",
		zap.String("room", cfg.Address),
		zap.String("channel", cfg.ChannelID),
	)

	go s.watchAgent(h)
	go s.readAgent(h)
	go s.consumeAgent(h)
	return nil
}

// StopAgent signals the room's agent to terminate. It does not wait for the
// exit; the watcher observes it and cleans up.
func (s *Supervisor) StopAgent(address string) error {
	s.mu.Lock()
	h, ok := s.agents[address]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, address)
	}

	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	s.logger.Info("stopping agent", zap.String("room", address))
	return h.proc.Terminate()
}

// SendToAgent writes one newline-framed batch to the room's agent.
func (s *Supervisor) SendToAgent(address string, packets ...protocol.Packet) error {
	s.mu.Lock()
	h, ok := s.agents[address]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, address)
	}

	frame, err := protocol.Encode(packets...)
	if err != nil {
		return err
	}
	frame = append(frame, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.proc.Stdin().Write(frame); err != nil {
		return fmt.Errorf("write to agent %s: %w", address, err)
	}
	return nil
}

// AgentStatus reports the live status for a room, or ErrAgentNotRunning.
func (s *Supervisor) AgentStatus(address string) (string, error) {
	s.mu.Lock()
	h, ok := s.agents[address]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotRunning, address)
	}
	return h.Status(), nil
}

// Close terminates every agent and waits for the pumps to drain.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*agentHandle, 0, len(s.agents))
	for _, h := range s.agents {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		if err := h.proc.Terminate(); err != nil {
			s.logger.Warn("failed terminating agent",
				zap.String("room", h.cfg.Address),
				zap.Error(err),
			)
		}
	}
	s.stop()
	s.wg.Wait()
}

// watchAgent waits for the process to exit, then clears the map entry. Exit
// codes are deliberately ignored: any exit means "agent stopped".
func (s *Supervisor) watchAgent(h *agentHandle) {
	defer s.wg.Done()

	err := h.proc.Wait()
	h.setStatus(protocol.StatusStopped)
	close(h.done)

	s.mu.Lock()
	if current, ok := s.agents[h.cfg.Address]; ok && current == h {
		delete(s.agents, h.cfg.Address)
	}
	s.mu.Unlock()

	h.mu.Lock()
	deliberate := h.stopped
	h.mu.Unlock()
	if deliberate {
		s.logger.Info("agent stopped", zap.String("room", h.cfg.Address))
	} else {
		s.logger.Warn("agent exited unexpectedly",
			zap.String("room", h.cfg.Address),
			zap.Error(err),
		)
	}
}

// readAgent decodes newline-delimited frames from the agent's stdout into
// the receive queue. A malformed line is dropped; the stream carries on.
func (s *Supervisor) readAgent(h *agentHandle) {
	defer s.wg.Done()
	defer close(h.recv)

	scanner := bufio.NewScanner(h.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		records, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			s.logger.Warn("dropping malformed agent frame",
				zap.String("room", h.cfg.Address),
				zap.Error(err),
			)
			continue
		}
		for _, raw := range records {
			h.recv <- append(json.RawMessage(nil), raw...)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("agent stdout read error",
			zap.String("room", h.cfg.Address),
			zap.Error(err),
		)
	}
}

// consumeAgent drains the receive queue through the packet registry. An
// unknown kind on this leg is a protocol violation: logged as an error, the
// record dropped, the stream kept alive.
//
// Dispatch runs on the supervisor's own context: the caller context that
// created the agent (a chat interaction, say) is long dead by the time most
// frames arrive.
func (s *Supervisor) consumeAgent(h *agentHandle) {
	defer s.wg.Done()

	for raw := range h.recv {
		if err := s.reg.Dispatch(withAgent(s.runCtx, h), raw); err != nil {
			s.logger.Error("agent packet dispatch failed",
				zap.String("room", h.cfg.Address),
				zap.Error(err),
			)
		}
	}
}

type agentCtxKey struct{}

func withAgent(ctx context.Context, h *agentHandle) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, h)
}

func agentFrom(ctx context.Context) (*agentHandle, bool) {
	h, ok := ctx.Value(agentCtxKey{}).(*agentHandle)
	return h, ok
}
