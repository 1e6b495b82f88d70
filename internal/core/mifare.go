package core

import (
	"encoding/hex"
	"fmt"

	"github.com/cwt-line/kanban-agent/internal/logging"
	"github.com/skythen/apdu"
)

// BlockSize is the size of a MIFARE Classic data block.
const BlockSize = 16

// PC/SC pseudo-APDU instruction bytes (CLA FF) understood by ACR122U-class readers.
const (
	claPCSC         = 0xFF
	insLoadKey      = 0x82
	insAuthenticate = 0x86
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6
	insGetData      = 0xCA
)

// Key selectors for General Authenticate.
const (
	KeyTypeA byte = 0x60
	KeyTypeB byte = 0x61
)

// keySlot is the volatile key location the reader loads keys into.
const keySlot = 0x00

// DefaultKey is the MIFARE Classic factory transport key (Key A).
var DefaultKey = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsSectorTrailer returns true if the block is a sector trailer (contains keys and access bits)
func IsSectorTrailer(block int) bool {
	// For MIFARE Classic 1K (sectors 0-15, 4 blocks each), trailer is every 4th block starting at 3
	// For MIFARE Classic 4K, sectors 0-31 have 4 blocks, sectors 32-39 have 16 blocks
	if block < 128 {
		return (block+1)%4 == 0
	}
	return (block-128+1)%16 == 0
}

// LoadKeyCommand builds FF 82 00 00 06 + key.
func LoadKeyCommand(key []byte) ([]byte, error) {
	if len(key) != 6 {
		return nil, newError(KindInvalidPayloadSize, -1, "key must be exactly 6 bytes, got %d", len(key))
	}
	return buildCommand(apdu.Capdu{Cla: claPCSC, Ins: insLoadKey, P1: 0x00, P2: keySlot, Data: key})
}

// AuthenticateCommand builds FF 86 00 00 05 01 00 <block> 60 00 (Key A, slot 0).
func AuthenticateCommand(block int) ([]byte, error) {
	data := []byte{0x01, 0x00, byte(block), KeyTypeA, keySlot}
	return buildCommand(apdu.Capdu{Cla: claPCSC, Ins: insAuthenticate, P1: 0x00, P2: 0x00, Data: data})
}

// ReadBinaryCommand builds FF B0 00 <block> 10.
func ReadBinaryCommand(block int) ([]byte, error) {
	return buildCommand(apdu.Capdu{Cla: claPCSC, Ins: insReadBinary, P1: 0x00, P2: byte(block), Ne: BlockSize})
}

// UpdateBinaryCommand builds FF D6 00 <block> 10 + 16 data bytes.
func UpdateBinaryCommand(block int, payload []byte) ([]byte, error) {
	if len(payload) != BlockSize {
		return nil, payloadSizeError(block, len(payload))
	}
	return buildCommand(apdu.Capdu{Cla: claPCSC, Ins: insUpdateBinary, P1: 0x00, P2: byte(block), Data: payload})
}

// GetUIDCommand builds FF CA 00 00 00.
func GetUIDCommand() ([]byte, error) {
	return buildCommand(apdu.Capdu{Cla: claPCSC, Ins: insGetData, P1: 0x00, P2: 0x00, Ne: 256})
}

// AuthenticateBlock loads key into the reader and authenticates the sector
// containing block with Key A. A nil key means DefaultKey. Authenticate is
// never sent if Load Key fails.
func AuthenticateBlock(t Transceiver, block int, key []byte) error {
	if t == nil {
		return ErrNoCardConnected
	}
	if key == nil {
		key = DefaultKey
	}
	if err := checkBlock(block); err != nil {
		return err
	}

	loadKey, err := LoadKeyCommand(key)
	if err != nil {
		return err
	}
	_, sw1, sw2, err := t.Transmit(loadKey)
	if err != nil {
		return err
	}
	if !isSuccess(sw1, sw2) {
		return statusError(KindAuthenticationFailed, block, "failed to load key", sw1, sw2)
	}

	auth, err := AuthenticateCommand(block)
	if err != nil {
		return err
	}
	_, sw1, sw2, err = t.Transmit(auth)
	if err != nil {
		return err
	}
	if !isSuccess(sw1, sw2) {
		return statusError(KindAuthenticationFailed, block, "authentication failed", sw1, sw2)
	}

	logging.Debug(logging.CatCard, "Block authenticated", map[string]any{
		"block": block,
	})
	return nil
}

// ReadBlock authenticates and reads one 16-byte block.
func ReadBlock(t Transceiver, block int) ([]byte, error) {
	if t == nil {
		return nil, ErrNoCardConnected
	}
	if err := AuthenticateBlock(t, block, nil); err != nil {
		return nil, err
	}

	cmd, err := ReadBinaryCommand(block)
	if err != nil {
		return nil, err
	}
	data, sw1, sw2, err := t.Transmit(cmd)
	if err != nil {
		return nil, err
	}
	if !isSuccess(sw1, sw2) {
		return nil, statusError(KindReadFailed, block, "read failed", sw1, sw2)
	}
	if len(data) != BlockSize {
		e := newError(KindReadFailed, block, "read failed for block %d: got %d bytes, want %d", block, len(data), BlockSize)
		e.SW1, e.SW2 = sw1, sw2
		return nil, e
	}

	out := make([]byte, BlockSize)
	copy(out, data)
	logging.Info(logging.CatCard, "MIFARE block read", map[string]any{
		"block": block,
		"data":  hex.EncodeToString(out),
	})
	return out, nil
}

// WriteBlock authenticates and writes exactly 16 bytes to one block.
func WriteBlock(t Transceiver, block int, payload []byte) error {
	if t == nil {
		return ErrNoCardConnected
	}
	if len(payload) != BlockSize {
		return payloadSizeError(block, len(payload))
	}
	if err := AuthenticateBlock(t, block, nil); err != nil {
		return err
	}

	cmd, err := UpdateBinaryCommand(block, payload)
	if err != nil {
		return err
	}
	_, sw1, sw2, err := t.Transmit(cmd)
	if err != nil {
		return err
	}
	if !isSuccess(sw1, sw2) {
		return statusError(KindWriteFailed, block, "write failed", sw1, sw2)
	}

	logging.Info(logging.CatCard, "MIFARE block written", map[string]any{
		"block": block,
		"data":  hex.EncodeToString(payload),
	})
	return nil
}

// buildCommand serializes a command APDU.
func buildCommand(c apdu.Capdu) ([]byte, error) {
	return c.Bytes()
}

func checkBlock(block int) error {
	if block < 0 || block > 255 {
		return newError(KindInvalidBlock, block, "invalid block number: %d (must be 0-255)", block)
	}
	if IsSectorTrailer(block) {
		return newError(KindInvalidBlock, block, "refusing to access sector trailer block %d (contains authentication keys)", block)
	}
	return nil
}

func payloadSizeError(block, got int) *Error {
	return newError(KindInvalidPayloadSize, block, "data must be exactly %d bytes, got %d", BlockSize, got)
}

func isSuccess(sw1, sw2 byte) bool {
	return sw1 == 0x90 && sw2 == 0x00
}

// commandName labels a command APDU for error messages and logs.
func commandName(cmd []byte) string {
	if len(cmd) < 2 || cmd[0] != claPCSC {
		return "command"
	}
	switch cmd[1] {
	case insLoadKey:
		return "load key"
	case insAuthenticate:
		return "authenticate"
	case insReadBinary:
		return "read binary"
	case insUpdateBinary:
		return "update binary"
	case insGetData:
		return "get data"
	default:
		return fmt.Sprintf("INS %02X", cmd[1])
	}
}
