package probe

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/rtthost/probe/gdb"
)

type gdbPort struct {
	c    *gdb.Client
	name string
}

func openGDB(ctx context.Context, addr string) (Port, error) {
	if addr == "" {
		return nil, errors.NotValidf("empty stub address")
	}
	c, err := gdb.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &gdbPort{c: c, name: fmt.Sprintf("GDB stub at %s", addr)}, nil
}

func (p *gdbPort) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	return p.c.ReadMem(ctx, addr, length)
}

func (p *gdbPort) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	return p.c.WriteMem(ctx, addr, data)
}

func (p *gdbPort) TargetName() string {
	return p.name
}

func (p *gdbPort) Close(ctx context.Context) error {
	return errors.Trace(p.c.Close())
}
