package core

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	presentAt   map[string]int // reader -> connect attempt the card appears on
	attempts    map[string]int
	shouldError bool
	errorMsg    string
	released    int
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	uid          []byte
	blocks       map[byte][]byte
	responses    map[string][]byte // command hex prefix -> response
	sent         []string
	transmitErr  error
	statusErr    error
	disconnected bool
}

// MockContextFactory hands out the same mock context on every call.
type MockContextFactory struct {
	ctx      *MockSmartCardContext
	err      error
	contexts int
}

func (f *MockContextFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ctx.mu.Lock()
	f.contexts++
	f.ctx.mu.Unlock()
	return f.ctx, nil
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"ACS ACR1252 Dual Reader PICC",
		},
		cards:     make(map[string]*MockSmartCard),
		presentAt: make(map[string]int),
		attempts:  make(map[string]int),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithCardAfter makes the card answer only from the n-th connect attempt on.
func (m *MockSmartCardContext) WithCardAfter(readerName string, card *MockSmartCard, n int) *MockSmartCardContext {
	m.cards[readerName] = card
	m.presentAt[readerName] = n
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCardContext) Factory() *MockContextFactory {
	return &MockContextFactory{ctx: m}
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	m.attempts[reader]++
	card, ok := m.cards[reader]
	if !ok || m.attempts[reader] < m.presentAt[reader] {
		return nil, errors.New("no card present")
	}
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
	return nil
}

func (m *MockSmartCardContext) Attempts(reader string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[reader]
}

func (m *MockSmartCardContext) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// NewMockCard creates a MIFARE Classic 1K mock that accepts the default key
// and keeps written blocks in memory.
func NewMockCard() *MockSmartCard {
	card := &MockSmartCard{
		blocks:    make(map[byte][]byte),
		responses: make(map[string][]byte),
	}
	card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030001000000006a")
	card.uid, _ = hex.DecodeString("932bae0e")
	return card
}

// WithResponse overrides the reply to any command starting with cmdHex.
func (m *MockSmartCard) WithResponse(cmdHex string, resp []byte) *MockSmartCard {
	m.responses[cmdHex] = resp
	return m
}

// WithBlock presets the contents of a block.
func (m *MockSmartCard) WithBlock(block byte, data []byte) *MockSmartCard {
	m.blocks[block] = append([]byte(nil), data...)
	return m
}

// WithError makes every transmit fail at the transport level.
func (m *MockSmartCard) WithError(msg string) *MockSmartCard {
	m.transmitErr = errors.New(msg)
	return m
}

// Sent returns the hex of every command transmitted so far.
func (m *MockSmartCard) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	if m.disconnected {
		return nil, errors.New("card disconnected")
	}

	cmdHex := hex.EncodeToString(cmd)
	m.sent = append(m.sent, cmdHex)

	for prefix, resp := range m.responses {
		if strings.HasPrefix(cmdHex, prefix) {
			return resp, nil
		}
	}

	if len(cmd) < 5 || cmd[0] != 0xFF {
		return []byte{0x6A, 0x81}, nil
	}
	switch cmd[1] {
	case 0xCA:
		return append(append([]byte(nil), m.uid...), 0x90, 0x00), nil
	case 0x82, 0x86:
		return []byte{0x90, 0x00}, nil
	case 0xB0:
		data := make([]byte, 16)
		copy(data, m.blocks[cmd[3]])
		return append(data, 0x90, 0x00), nil
	case 0xD6:
		m.blocks[cmd[3]] = append([]byte(nil), cmd[5:]...)
		return []byte{0x90, 0x00}, nil
	}
	return []byte{0x6A, 0x81}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusErr != nil {
		return SmartCardStatus{}, m.statusErr
	}
	return SmartCardStatus{
		Reader:         "Mock Reader",
		ActiveProtocol: 1,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *MockSmartCard) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}
