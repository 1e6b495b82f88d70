package core

import (
	"fmt"

	"github.com/ebfe/scard"
)

// PC/SC parameters used for every card connection.
var (
	shareShared = uint32(scard.ShareShared)
	protocolAny = uint32(scard.ProtocolAny)
	leaveCard   = uint32(scard.LeaveCard)
)

// EstablishContext opens a PC/SC resource manager context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err == scard.ErrNoReadersAvailable {
		return nil, nil
	}
	return readers, err
}

func (c *pcscContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Status() (SmartCardStatus, error) {
	status, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         status.Reader,
		State:          uint32(status.State),
		ActiveProtocol: uint32(status.ActiveProtocol),
		Atr:            status.Atr,
	}, nil
}

func (c *pcscCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}
