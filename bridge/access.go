package bridge

import (
	"context"

	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/tlp"
)

// ReadMemory reads one dword of device memory.
func (b *Bridge) ReadMemory(ctx context.Context, addr uint32) ([4]byte, tlp.Result, error) {
	var (
		data [4]byte
		res  tlp.Result
	)

	err := b.withToken(ctx, func(tok *state.Token) error {
		var err error

		res, err = b.engine.IssueMemory(ctx, tok, tlp.Read, addr)
		if err == nil {
			data = b.engine.ReadData(tok)
		}

		return err
	})

	return data, res, err
}

// WriteMemory writes one dword of device memory.
func (b *Bridge) WriteMemory(ctx context.Context, addr uint32, data [4]byte) (tlp.Result, error) {
	var res tlp.Result

	err := b.withToken(ctx, func(tok *state.Token) error {
		var err error

		b.engine.StageData(tok, data)
		res, err = b.engine.IssueMemory(ctx, tok, tlp.Write, addr)

		return err
	})

	return res, err
}

// ReadConfig reads one dword of configuration space.
func (b *Bridge) ReadConfig(
	ctx context.Context,
	typ tlp.ConfigType,
	cfg tlp.ConfigAddress,
	byteEnables uint8,
) ([4]byte, tlp.Result, error) {
	var (
		data [4]byte
		res  tlp.Result
	)

	err := b.withToken(ctx, func(tok *state.Token) error {
		var err error

		res, err = b.engine.IssueConfig(ctx, tok, tlp.Read, typ, cfg, byteEnables)
		if err == nil {
			data = b.engine.ReadData(tok)
		}

		return err
	})

	return data, res, err
}

// WriteConfig writes one dword of configuration space.
func (b *Bridge) WriteConfig(
	ctx context.Context,
	typ tlp.ConfigType,
	cfg tlp.ConfigAddress,
	byteEnables uint8,
	data [4]byte,
) (tlp.Result, error) {
	var res tlp.Result

	err := b.withToken(ctx, func(tok *state.Token) error {
		var err error

		b.engine.StageData(tok, data)
		res, err = b.engine.IssueConfig(ctx, tok, tlp.Write, typ, cfg, byteEnables)

		return err
	})

	return res, err
}
