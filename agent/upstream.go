package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JammyGeeza/Archipelago-sub000/link"
	"github.com/JammyGeeza/Archipelago-sub000/protocol"
)

const handshakeTimeout = 10 * time.Second

// dialServer returns a link.Dialer that opens a websocket session to the
// Archipelago server. fatal decides which dispatch errors end the session
// instead of being logged and dropped.
func dialServer(address string, reg *protocol.Registry, fatal func(error) bool, logger *zap.Logger) link.Dialer {
	url := address
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}

	return func(ctx context.Context) (link.Session, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsSession{
			conn:   conn,
			reg:    reg,
			fatal:  fatal,
			logger: logger,
			out:    make(chan []byte, 16),
		}, nil
	}
}

// wsSession is one live websocket connection to the server.
type wsSession struct {
	conn   *websocket.Conn
	reg    *protocol.Registry
	fatal  func(error) bool
	logger *zap.Logger
	out    chan []byte

	closeOnce sync.Once
}

// ReadPump reads frames and dispatches each batch in order. Dispatch errors
// on this leg are logged and dropped unless marked fatal; the server may send
// kinds this client does not understand.
func (s *wsSession) ReadPump(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.reg.DispatchBatch(ctx, data); err != nil {
			if s.fatal != nil && s.fatal(err) {
				return err
			}
			s.logger.Warn("server frame dispatch failed", zap.Error(err))
		}
	}
}

// WritePump drains the outbound queue onto the socket.
func (s *wsSession) WritePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}

// Send queues one frame for the write pump.
func (s *wsSession) Send(ctx context.Context, frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
