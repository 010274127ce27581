package main

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

// scanCmd attaches and prints the control block address on stdout, one
// scriptable line; the human-facing detail goes to stderr on the way.
func scanCmd(ctx context.Context) error {
	s, err := attach(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.close(ctx)
	fmt.Printf("0x%08x\n", s.r.Addr())
	return nil
}
