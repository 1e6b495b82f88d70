// Package cardsim simulates an ACR122U reader with a MIFARE Classic 1K card
// on the PC/SC interfaces used by core. It backs the -simulate flag and the
// higher level tests.
package cardsim

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/cwt-line/kanban-agent/internal/core"
)

// ReaderName is the name the simulated reader reports.
const ReaderName = "ACS ACR122U PICC Interface (simulated)"

const (
	blocks        = 64
	blocksPerSect = 4
)

var (
	errNoCard  = errors.New("SCARD_E_NO_SMARTCARD")
	errRemoved = errors.New("SCARD_W_REMOVED_CARD")

	swOK          = []byte{0x90, 0x00}
	swFailed      = []byte{0x63, 0x00}
	swAuthFailed  = []byte{0x69, 0x82}
	swUnsupported = []byte{0x6A, 0x81}
	swWrongLength = []byte{0x67, 0x00}
)

// Reader is a simulated reader. It implements core.ContextFactory.
type Reader struct {
	mu       sync.Mutex
	name     string
	card     *Card
	extra    []string
	connects int
	contexts int
}

// Card is a simulated MIFARE Classic 1K card.
type Card struct {
	mu        sync.Mutex
	uid       []byte
	atr       []byte
	key       []byte
	memory    [blocks][]byte
	loaded    []byte
	authed    map[int]bool
	overrides map[string][]byte
	readback  map[byte][]byte
	log       []string
}

// NewReader creates an empty simulated reader.
func NewReader() *Reader {
	return &Reader{name: ReaderName}
}

// WithName renames the simulated reader.
func (r *Reader) WithName(name string) *Reader {
	r.name = name
	return r
}

// WithExtraReaders lists additional readers before the simulated one.
func (r *Reader) WithExtraReaders(names ...string) *Reader {
	r.extra = names
	return r
}

// Name returns the simulated reader's PC/SC name.
func (r *Reader) Name() string {
	return r.name
}

// Insert places card on the reader, replacing any other.
func (r *Reader) Insert(card *Card) {
	r.mu.Lock()
	r.card = card
	r.mu.Unlock()
}

// Remove takes the card off the reader.
func (r *Reader) Remove() {
	r.mu.Lock()
	r.card = nil
	r.mu.Unlock()
}

// Connects returns how many connect attempts found a card.
func (r *Reader) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// EstablishContext implements core.ContextFactory.
func (r *Reader) EstablishContext() (core.SmartCardContext, error) {
	r.mu.Lock()
	r.contexts++
	r.mu.Unlock()
	return &simContext{reader: r}, nil
}

type simContext struct {
	reader *Reader
}

func (c *simContext) ListReaders() ([]string, error) {
	return append(append([]string(nil), c.reader.extra...), c.reader.name), nil
}

func (c *simContext) Connect(reader string, shareMode uint32, protocol uint32) (core.SmartCard, error) {
	r := c.reader
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader != r.name || r.card == nil {
		return nil, errNoCard
	}
	r.connects++
	r.card.reset()
	return &simCard{reader: r, card: r.card}, nil
}

func (c *simContext) Release() error {
	return nil
}

// NewCard creates a blank card with the factory transport key and the
// given UID, e.g. "932bae0e".
func NewCard(uid string) *Card {
	id, err := hex.DecodeString(uid)
	if err != nil || len(id) == 0 {
		id = []byte{0x93, 0x2B, 0xAE, 0x0E}
	}
	c := &Card{
		uid:       id,
		atr:       []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A},
		key:       append([]byte(nil), core.DefaultKey...),
		authed:    make(map[int]bool),
		overrides: make(map[string][]byte),
		readback:  make(map[byte][]byte),
	}
	for i := range c.memory {
		c.memory[i] = make([]byte, core.BlockSize)
	}
	return c
}

// WithKey changes the sector key the card expects.
func (c *Card) WithKey(key []byte) *Card {
	c.key = append([]byte(nil), key...)
	return c
}

// SetBlock writes raw bytes into a block, bypassing authentication.
func (c *Card) SetBlock(block int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, core.BlockSize)
	copy(b, data)
	c.memory[block] = b
}

// Block returns a copy of a block's contents.
func (c *Card) Block(block int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.memory[block]...)
}

// Override makes any command whose hex starts with prefix answer with rsp.
func (c *Card) Override(prefix string, rsp []byte) {
	c.mu.Lock()
	c.overrides[prefix] = rsp
	c.mu.Unlock()
}

// CorruptReadback makes reads of block return data regardless of what
// was written, as a card with a flaky sector would.
func (c *Card) CorruptReadback(block int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, core.BlockSize)
	copy(b, data)
	c.readback[byte(block)] = b
}

// Log returns the hex of every command the card received.
func (c *Card) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *Card) reset() {
	c.mu.Lock()
	c.loaded = nil
	c.authed = make(map[int]bool)
	c.mu.Unlock()
}

type simCard struct {
	reader       *Reader
	card         *Card
	disconnected bool
}

func (s *simCard) present() bool {
	s.reader.mu.Lock()
	defer s.reader.mu.Unlock()
	return !s.disconnected && s.reader.card == s.card
}

func (s *simCard) Transmit(cmd []byte) ([]byte, error) {
	if !s.present() {
		return nil, errRemoved
	}
	return s.card.exchange(cmd), nil
}

func (s *simCard) Status() (core.SmartCardStatus, error) {
	if !s.present() {
		return core.SmartCardStatus{}, errRemoved
	}
	return core.SmartCardStatus{
		Reader:         s.reader.name,
		ActiveProtocol: 2,
		Atr:            append([]byte(nil), s.card.atr...),
	}, nil
}

func (s *simCard) Disconnect(disposition uint32) error {
	s.reader.mu.Lock()
	s.disconnected = true
	s.reader.mu.Unlock()
	return nil
}

func (c *Card) exchange(cmd []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmdHex := hex.EncodeToString(cmd)
	c.log = append(c.log, cmdHex)
	for prefix, rsp := range c.overrides {
		if len(cmdHex) >= len(prefix) && cmdHex[:len(prefix)] == prefix {
			return append([]byte(nil), rsp...)
		}
	}

	if len(cmd) < 5 || cmd[0] != 0xFF {
		return swUnsupported
	}
	switch cmd[1] {
	case 0xCA:
		return append(append([]byte(nil), c.uid...), swOK...)
	case 0x82:
		if cmd[4] != 6 || len(cmd) != 11 {
			return swWrongLength
		}
		c.loaded = append([]byte(nil), cmd[5:11]...)
		return swOK
	case 0x86:
		if len(cmd) != 10 {
			return swWrongLength
		}
		block := int(cmd[7])
		if block >= blocks || c.loaded == nil || hex.EncodeToString(c.loaded) != hex.EncodeToString(c.key) {
			return swAuthFailed
		}
		c.authed[block/blocksPerSect] = true
		return swOK
	case 0xB0:
		block := int(cmd[3])
		if block >= blocks || !c.authed[block/blocksPerSect] {
			return swAuthFailed
		}
		if data, ok := c.readback[byte(block)]; ok {
			return append(append([]byte(nil), data...), swOK...)
		}
		return append(append([]byte(nil), c.memory[block]...), swOK...)
	case 0xD6:
		block := int(cmd[3])
		if block >= blocks || !c.authed[block/blocksPerSect] {
			return swAuthFailed
		}
		if int(cmd[4]) != core.BlockSize || len(cmd) != 5+core.BlockSize {
			return swFailed
		}
		c.memory[block] = append([]byte(nil), cmd[5:]...)
		return swOK
	}
	return swUnsupported
}
