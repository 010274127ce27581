// +build no_libudev

package dap

import (
	"context"

	"github.com/juju/errors"
)

func NewClient(ctx context.Context, vid, pid uint16, serial string) (Client, error) {
	return nil, errors.Errorf("not supported in this build")
}
