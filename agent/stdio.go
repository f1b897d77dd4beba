package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/link"
	"github.com/JammyGeeza/Archipelago-sub000/protocol"
)

const maxFrameBytes = 2 * 1024 * 1024

var errStdinClosed = errors.New("stdin closed")

// stdioPipe owns the process's stdio leg. A single goroutine performs the
// blocking stdin reads for the life of the process and hands lines off
// through a channel, so a session teardown never has to interrupt a blocked
// read; sessions come and go on top of it.
type stdioPipe struct {
	reg    *protocol.Registry
	logger *zap.Logger
	lines  chan []byte
	w      io.Writer

	writeMu sync.Mutex

	mu  sync.Mutex
	eof bool
}

func newStdioPipe(r io.Reader, w io.Writer, reg *protocol.Registry, logger *zap.Logger) *stdioPipe {
	p := &stdioPipe{
		reg:    reg,
		logger: logger,
		lines:  make(chan []byte, 16),
		w:      w,
	}
	go p.readLines(r)
	return p
}

// readLines scans newline-delimited frames until EOF, then closes the
// hand-off channel so the active session ends.
func (p *stdioPipe) readLines(r io.Reader) {
	defer func() {
		p.mu.Lock()
		p.eof = true
		p.mu.Unlock()
		close(p.lines)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		p.lines <- line
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("stdin read error", zap.Error(err))
	}
}

// dial is the link.Dialer for the stdio leg. It fails once stdin has closed:
// a pipe to a dead parent never comes back, so the link's retry budget runs
// out and the agent exits.
func (p *stdioPipe) dial(ctx context.Context) (link.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	p.mu.Lock()
	eof := p.eof
	p.mu.Unlock()
	if eof {
		return nil, errStdinClosed
	}
	return &stdioSession{
		pipe: p,
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}, nil
}

// stdioSession is one pass over the shared stdio pipe.
type stdioSession struct {
	pipe *stdioPipe
	out  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// ReadPump dispatches inbound frames from the gateway. This is the strict
// leg: malformed or unknown records are logged as errors and dropped, but
// the link stays up.
func (s *stdioSession) ReadPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errStdinClosed
		case line, ok := <-s.pipe.lines:
			if !ok {
				return errStdinClosed
			}
			if err := s.pipe.reg.DispatchBatch(ctx, line); err != nil {
				s.pipe.logger.Error("gateway frame dispatch failed", zap.Error(err))
			}
		}
	}
}

// WritePump writes outbound frames, one newline-terminated JSON array per
// line. Each write is a single flushed call, so partial frames never hit the
// pipe.
func (s *stdioSession) WritePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errStdinClosed
		case frame := <-s.out:
			if err := s.pipe.writeFrame(frame); err != nil {
				return err
			}
		}
	}
}

func (s *stdioSession) Send(ctx context.Context, frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return errStdinClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stdioSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (p *stdioPipe) writeFrame(frame []byte) error {
	out := make([]byte, 0, len(frame)+1)
	out = append(out, frame...)
	out = append(out, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.w.Write(out)
	return err
}
