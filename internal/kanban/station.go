package kanban

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cwt-line/kanban-agent/internal/core"
	"github.com/cwt-line/kanban-agent/internal/logging"
)

// DefaultCardTimeout bounds the wait for a card in top-level operations.
const DefaultCardTimeout = 10 * time.Second

// Operation names used in events and logs.
const (
	OpConnectReader = "connect_reader"
	OpWaitForCard   = "wait_for_card"
	OpWriteKanban   = "write_kanban"
	OpReadKanban    = "read_kanban"
	OpWriteBypass   = "write_bypass"
	OpClearCard     = "clear_card"
	OpDisconnect    = "disconnect"
)

// Options configures a Station. Zero values select the defaults.
type Options struct {
	Factory         core.ContextFactory
	ReaderFilter    string
	PreferredReader string // exact reader name, wins over ReaderFilter
	CardTimeout     time.Duration
	SessionTimeout  time.Duration
	PollInterval    time.Duration
}

// Event is emitted after every top-level operation, once the card has been
// released.
type Event struct {
	Op     string    `json:"op"`
	Result Result    `json:"result"`
	Time   time.Time `json:"time"`
}

// Sink receives station events. Sinks are called synchronously and must not
// block or call back into the station.
type Sink func(Event)

// Status is a point-in-time snapshot of the station.
type Status struct {
	State       State     `json:"state"`
	Reader      string    `json:"reader,omitempty"`
	Connected   bool      `json:"connected"`
	Degraded    bool      `json:"degraded"`
	CardPresent bool      `json:"cardPresent"`
	LastOp      string    `json:"lastOp,omitempty"`
	LastResult  *Result   `json:"lastResult,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Station drives one reader through the kanban card protocol. Operations are
// serialized; Status may be called at any time.
type Station struct {
	opts Options

	opMu    sync.Mutex
	session *core.Session
	cardUID string

	mu         sync.RWMutex
	preferred  string
	state      State
	reader     string
	degraded   bool
	lastOp     string
	lastResult *Result
	updatedAt  time.Time

	sinkMu   sync.Mutex
	sinks    map[int]Sink
	nextSink int
}

// NewStation creates a station in the Idle state. Call ConnectReader to
// select a reader.
func NewStation(opts Options) *Station {
	if opts.Factory == nil {
		opts.Factory = core.DefaultContextFactory{}
	}
	if opts.ReaderFilter == "" {
		opts.ReaderFilter = core.DefaultReaderFilter
	}
	if opts.CardTimeout <= 0 {
		opts.CardTimeout = DefaultCardTimeout
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = core.DefaultSessionTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = core.DefaultPollInterval
	}
	return &Station{
		opts:      opts,
		preferred: opts.PreferredReader,
		state:     StateIdle,
		sinks:     make(map[int]Sink),
		updatedAt: time.Now(),
	}
}

// SetPreferredReader changes the exact reader name tried before the filter.
// It takes effect on the next ConnectReader.
func (s *Station) SetPreferredReader(name string) {
	s.mu.Lock()
	s.preferred = name
	s.mu.Unlock()
}

// Subscribe registers sink for events and returns a function that removes it.
func (s *Station) Subscribe(sink Sink) func() {
	s.sinkMu.Lock()
	id := s.nextSink
	s.nextSink++
	s.sinks[id] = sink
	s.sinkMu.Unlock()

	return func() {
		s.sinkMu.Lock()
		delete(s.sinks, id)
		s.sinkMu.Unlock()
	}
}

// Status returns a snapshot of the station.
func (s *Station) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:       s.state,
		Reader:      s.reader,
		Connected:   s.reader != "",
		Degraded:    s.degraded,
		CardPresent: s.state == StateCardPresent || s.state == StateOperating,
		LastOp:      s.lastOp,
		UpdatedAt:   s.updatedAt,
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

// Readers lists the attached readers, flagging those that match the filter.
func (s *Station) Readers() []core.Reader {
	return core.ListReaders(s.opts.Factory, s.opts.ReaderFilter)
}

// ConnectReader discovers readers and selects one. When no reader matches
// the filter the first reader is used and the result is marked degraded.
// When none are attached the station stays usable but card operations fail
// with NoReaderFound.
func (s *Station) ConnectReader() Result {
	s.opMu.Lock()
	res := s.connectReaderLocked()
	s.opMu.Unlock()

	s.finish(OpConnectReader, res)
	return res
}

func (s *Station) connectReaderLocked() Result {
	s.setState(StateReaderConnecting)

	names, err := core.DiscoverReaders(s.opts.Factory)
	if err != nil {
		s.setReader("", true)
		s.setState(StateReaderReady)
		logging.Error(logging.CatReader, "Failed to connect reader", map[string]any{
			"error": err.Error(),
		})
		return Failure(err)
	}

	reader, degraded := "", false
	preferred := s.preferredReader()
	for _, name := range names {
		if preferred != "" && name == preferred {
			reader = name
		}
	}
	if reader == "" {
		reader, degraded, err = core.SelectReader(names, s.opts.ReaderFilter)
		if err != nil {
			s.setReader("", true)
			s.setState(StateReaderReady)
			return Failure(err)
		}
	}

	s.setReader(reader, degraded)
	s.setState(StateReaderReady)
	logging.Info(logging.CatReader, "Connected to reader", map[string]any{
		"reader":   reader,
		"degraded": degraded,
	})

	res := Success("Reader connected: %s", reader)
	res.Reader = reader
	res.Degraded = degraded
	return res
}

// WaitForCard polls for a card for up to timeout (the session default when
// zero) and leaves it connected. Pair it with Disconnect.
func (s *Station) WaitForCard(ctx context.Context, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = s.opts.SessionTimeout
	}

	s.opMu.Lock()
	res := s.annotate(func() Result {
		if err := s.waitForCardLocked(ctx, timeout); err != nil {
			return Failure(err)
		}
		return Success("Card detected")
	}())
	s.opMu.Unlock()

	s.finish(OpWaitForCard, res)
	return res
}

// waitForCardLocked opens a card session unless one is already open.
func (s *Station) waitForCardLocked(ctx context.Context, timeout time.Duration) error {
	if s.session != nil && !s.session.Closed() {
		return nil
	}

	reader := s.currentReader()
	if reader == "" {
		// a reader may have been plugged in since start
		if res := s.connectReaderLocked(); !res.OK {
			return res.AsError()
		}
		reader = s.currentReader()
	}

	s.setState(StateAwaitingCard)
	logging.Info(logging.CatCard, "Waiting for card", map[string]any{
		"reader":  reader,
		"timeout": timeout.String(),
	})

	session, err := core.OpenSession(ctx, s.opts.Factory, reader, timeout, s.opts.PollInterval)
	if err != nil {
		s.setState(StateReaderReady)
		logging.Warn(logging.CatCard, "No card detected", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		return err
	}

	s.session = session
	s.cardUID = ""
	if uid, err := session.UID(); err == nil {
		s.cardUID = uid
	} else {
		logging.Debug(logging.CatCard, "Could not read card UID", map[string]any{
			"error": err.Error(),
		})
	}
	s.setState(StateCardPresent)
	return nil
}

// awaitCardLocked is the top-level variant of waitForCardLocked: a timeout
// is reported to the operator as NoCardDetected.
func (s *Station) awaitCardLocked(ctx context.Context) error {
	err := s.waitForCardLocked(ctx, s.opts.CardTimeout)
	if core.KindOf(err) == core.KindTimeout {
		return core.NewNoCardDetected(err)
	}
	return err
}

// WriteKanban writes both thread codes and verifies them by reading the
// blocks back. The card is always released before returning.
func (s *Station) WriteKanban(ctx context.Context, thread1, thread2 string) Result {
	return s.run(ctx, OpWriteKanban, func() (Result, bool) {
		return s.validateThreads(thread1, thread2)
	}, func(session *core.Session) Result {
		return s.writeVerified(session, thread1, thread2, "Kanban card written and verified successfully")
	})
}

// WriteBypass writes the bypass marker to Thread 1 and clears Thread 2,
// verifying the same way as WriteKanban.
func (s *Station) WriteBypass(ctx context.Context) Result {
	return s.run(ctx, OpWriteBypass, nil, func(session *core.Session) Result {
		return s.writeVerified(session, BypassKeyword, "", "Bypass card written successfully")
	})
}

// ReadKanban reads and decodes both thread codes.
func (s *Station) ReadKanban(ctx context.Context) Result {
	return s.run(ctx, OpReadKanban, nil, func(session *core.Session) Result {
		t1, t2, err := readThreads(session)
		if err != nil {
			return Failure(err)
		}
		res := Success("Kanban card read successfully")
		res.Thread1, res.Thread2 = DecodeField(t1), DecodeField(t2)
		res.Bypass = IsBypass(res.Thread1)
		logging.Info(logging.CatKanban, "Kanban card read", map[string]any{
			"thread1": res.Thread1,
			"thread2": res.Thread2,
			"bypass":  res.Bypass,
		})
		return res
	})
}

// ClearCard zeroes both thread blocks. There is no verification pass.
func (s *Station) ClearCard(ctx context.Context) Result {
	return s.run(ctx, OpClearCard, nil, func(session *core.Session) Result {
		zero := make([]byte, FieldSize)
		if err := core.WriteBlock(session, Thread1Block, zero); err != nil {
			return Failure(fmt.Errorf("failed to clear Thread 1: %w", err))
		}
		if err := core.WriteBlock(session, Thread2Block, zero); err != nil {
			return Failure(fmt.Errorf("failed to clear Thread 2: %w", err))
		}
		logging.Info(logging.CatKanban, "Card cleared", nil)
		return Success("Card cleared successfully")
	})
}

// Disconnect releases the card session. The reader stays selected.
func (s *Station) Disconnect() Result {
	s.opMu.Lock()
	s.disconnectLocked()
	res := Success("Card disconnected")
	res.Reader = s.currentReader()
	s.opMu.Unlock()
	return res
}

// Close releases the card session and forgets the reader. Sinks are dropped.
func (s *Station) Close() {
	s.opMu.Lock()
	s.disconnectLocked()
	s.setReader("", false)
	s.setState(StateIdle)
	s.opMu.Unlock()

	s.sinkMu.Lock()
	s.sinks = make(map[int]Sink)
	s.sinkMu.Unlock()
}

// run implements the top-level pattern: validate, await card, operate and
// always disconnect, then publish the result.
func (s *Station) run(ctx context.Context, op string, validate func() (Result, bool), fn func(*core.Session) Result) Result {
	s.opMu.Lock()
	res := func() Result {
		defer s.disconnectLocked()

		if validate != nil {
			if res, ok := validate(); !ok {
				return s.annotate(res)
			}
		}
		if err := s.awaitCardLocked(ctx); err != nil {
			return s.annotate(Failure(err))
		}
		s.setState(StateOperating)
		return s.annotate(fn(s.session))
	}()
	s.opMu.Unlock()

	if res.OK {
		logging.Info(logging.CatKanban, res.Message, map[string]any{"op": op})
	} else {
		logging.Error(logging.CatKanban, "Operation failed", map[string]any{
			"op":    op,
			"kind":  res.Kind.String(),
			"error": res.Message,
		})
	}
	s.finish(op, res)
	return res
}

func (s *Station) validateThreads(thread1, thread2 string) (Result, bool) {
	if _, err := encodeThread("Thread 1", thread1); err != nil {
		return Failure(err), false
	}
	if _, err := encodeThread("Thread 2", thread2); err != nil {
		return Failure(err), false
	}
	return Result{}, true
}

func (s *Station) writeVerified(session *core.Session, thread1, thread2, message string) Result {
	p1, err := encodeThread("Thread 1", thread1)
	if err != nil {
		return Failure(err)
	}
	p2, err := encodeThread("Thread 2", thread2)
	if err != nil {
		return Failure(err)
	}

	if err := core.WriteBlock(session, Thread1Block, p1); err != nil {
		return Failure(fmt.Errorf("failed to write Thread 1: %w", err))
	}
	if err := core.WriteBlock(session, Thread2Block, p2); err != nil {
		return Failure(fmt.Errorf("failed to write Thread 2: %w", err))
	}

	if err := verify(session, p1, p2); err != nil {
		return Failure(fmt.Errorf("verification failed: %w", err))
	}

	logging.Info(logging.CatKanban, "Kanban card written", map[string]any{
		"thread1": thread1,
		"thread2": thread2,
	})
	res := Success("%s", message)
	res.Thread1, res.Thread2 = thread1, thread2
	res.Bypass = IsBypass(thread1)
	return res
}

// verify re-reads both blocks and compares them byte for byte with what
// was written.
func verify(t core.Transceiver, p1, p2 []byte) error {
	a1, a2, err := readThreads(t)
	if err != nil {
		return fmt.Errorf("could not read card for verification: %w", err)
	}
	if !bytes.Equal(a1, p1) {
		return core.NewVerificationError("Thread 1", Thread1Block, DecodeField(p1), DecodeField(a1))
	}
	if !bytes.Equal(a2, p2) {
		return core.NewVerificationError("Thread 2", Thread2Block, DecodeField(p2), DecodeField(a2))
	}
	return nil
}

func readThreads(t core.Transceiver) ([]byte, []byte, error) {
	t1, err := core.ReadBlock(t, Thread1Block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read Thread 1: %w", err)
	}
	t2, err := core.ReadBlock(t, Thread2Block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read Thread 2: %w", err)
	}
	return t1, t2, nil
}

func encodeThread(field, text string) ([]byte, error) {
	payload, err := EncodeField(text)
	var e *core.Error
	if errors.As(err, &e) {
		return nil, core.NewFieldError(e.Kind, field, "%s %s", field, e.Msg)
	}
	return payload, err
}

// annotate adds reader and card identity to a result.
func (s *Station) annotate(res Result) Result {
	s.mu.RLock()
	res.Reader = s.reader
	res.Degraded = s.degraded
	s.mu.RUnlock()

	if s.session != nil {
		res.ATR = hex.EncodeToString(s.session.ATR)
		res.UID = s.cardUID
	}
	return res
}

func (s *Station) disconnectLocked() {
	if s.session == nil {
		return
	}
	s.session.Close()
	s.session = nil
	s.cardUID = ""
	s.setState(StateDisconnected)
	logging.Info(logging.CatCard, "Disconnected from card", nil)
	s.setState(StateReaderReady)
}

func (s *Station) preferredReader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferred
}

func (s *Station) currentReader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader
}

func (s *Station) setReader(reader string, degraded bool) {
	s.mu.Lock()
	s.reader = reader
	s.degraded = degraded
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Station) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// finish records the result and notifies sinks outside the operation lock.
func (s *Station) finish(op string, res Result) {
	now := time.Now()
	s.mu.Lock()
	s.lastOp = op
	s.lastResult = &res
	s.updatedAt = now
	s.mu.Unlock()

	if !res.OK && reportable(res.Kind) {
		logging.CaptureError(res.AsError(), op, res.Kind.String(), map[string]any{
			"reader": res.Reader,
		})
	}

	s.sinkMu.Lock()
	sinks := make([]Sink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.sinkMu.Unlock()

	ev := Event{Op: op, Result: res, Time: now}
	for _, sink := range sinks {
		deliver(sink, ev)
	}
}

func deliver(sink Sink, ev Event) {
	defer logging.RecoverAndLog("event sink", false)
	sink(ev)
}

// reportable reports whether a failure points at the card or reader rather
// than at the operator (no card, bad input, cancelled wait).
func reportable(kind core.Kind) bool {
	switch kind {
	case core.KindTransport, core.KindAuthenticationFailed, core.KindReadFailed,
		core.KindWriteFailed, core.KindVerificationFailed, core.KindInvalidPayloadSize,
		core.KindNoCardConnected:
		return true
	}
	return false
}
