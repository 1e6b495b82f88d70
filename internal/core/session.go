package core

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cwt-line/kanban-agent/internal/logging"
	"github.com/skythen/apdu"
)

const (
	// DefaultSessionTimeout bounds OpenSession when the caller has no opinion.
	DefaultSessionTimeout = 5 * time.Second
	// DefaultPollInterval is the pause between card presence attempts.
	DefaultPollInterval = 200 * time.Millisecond
)

// Session is an open connection to one card on one reader. It owns its
// PC/SC context and releases it on Close.
type Session struct {
	Reader string
	ATR    []byte

	mu     sync.Mutex
	sc     SmartCardContext
	card   SmartCard
	closed bool
}

// OpenSession polls reader until a card answers, timeout elapses or ctx is
// cancelled. A card that connects after cancellation is disconnected before
// returning, so no half-open session is ever leaked.
func OpenSession(ctx context.Context, factory ContextFactory, reader string, timeout, interval time.Duration) (*Session, error) {
	if reader == "" {
		return nil, ErrNoReaderFound
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	sc, err := factory.EstablishContext()
	if err != nil {
		return nil, transportError("establish context", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		if s := tryConnect(sc, reader); s != nil {
			if err := ctx.Err(); err != nil {
				s.Close()
				return nil, &Error{Kind: KindCancelled, Block: -1, Msg: "wait for card cancelled", Cause: err}
			}
			logging.Info(logging.CatCard, "Card detected", map[string]any{
				"reader":   reader,
				"atr":      hex.EncodeToString(s.ATR),
				"attempts": attempts,
			})
			return s, nil
		}

		select {
		case <-ctx.Done():
			_ = sc.Release()
			return nil, &Error{Kind: KindCancelled, Block: -1, Msg: "wait for card cancelled", Cause: ctx.Err()}
		case <-deadline.C:
			_ = sc.Release()
			logging.Debug(logging.CatCard, "Timed out waiting for card", map[string]any{
				"reader":   reader,
				"timeout":  timeout.String(),
				"attempts": attempts,
			})
			return nil, &Error{
				Kind:  KindTimeout,
				Block: -1,
				Msg:   "timeout waiting for card after " + timeout.String(),
			}
		case <-ticker.C:
		}
	}
}

// tryConnect makes one connection attempt. Absent cards and cards that
// fail to report status are both treated as "not yet".
func tryConnect(sc SmartCardContext, reader string) *Session {
	card, err := sc.Connect(reader, shareShared, protocolAny)
	if err != nil {
		return nil
	}
	status, err := card.Status()
	if err != nil {
		logging.Debug(logging.CatCard, "Card status failed, retrying", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		_ = card.Disconnect(leaveCard)
		return nil
	}
	return &Session{
		Reader: reader,
		ATR:    status.Atr,
		sc:     sc,
		card:   card,
	}
}

// Transmit sends one command APDU and splits the response into body and
// status word. Transport faults and malformed responses are TransportErrors.
func (s *Session) Transmit(cmd []byte) ([]byte, byte, byte, error) {
	if s == nil {
		return nil, 0, 0, ErrNoCardConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.card == nil {
		return nil, 0, 0, ErrNoCardConnected
	}

	rsp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, 0, 0, transportError("transmit "+commandName(cmd), err)
	}
	if len(rsp) < 2 {
		return nil, 0, 0, newError(KindTransport, -1, "invalid response length %d to %s", len(rsp), commandName(cmd))
	}
	r, err := apdu.ParseRapdu(rsp)
	if err != nil {
		return nil, 0, 0, transportError("parse response to "+commandName(cmd), err)
	}
	return r.Data, r.SW1, r.SW2, nil
}

// UID reads the card serial number. Not every card supports GET DATA, so
// callers treat a failure as "unknown UID".
func (s *Session) UID() (string, error) {
	cmd, err := GetUIDCommand()
	if err != nil {
		return "", err
	}
	data, sw1, sw2, err := s.Transmit(cmd)
	if err != nil {
		return "", err
	}
	if !isSuccess(sw1, sw2) {
		return "", newError(KindReadFailed, -1, "get UID failed: %02X %02X", sw1, sw2)
	}
	return hex.EncodeToString(data), nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disconnects the card and releases the PC/SC context. Safe to call
// more than once; errors are ignored.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.card != nil {
		_ = s.card.Disconnect(leaveCard)
	}
	if s.sc != nil {
		_ = s.sc.Release()
	}
	logging.Debug(logging.CatCard, "Card session closed", map[string]any{
		"reader": s.Reader,
	})
}
