// +build no_libudev

package probe

import (
	"context"

	"github.com/juju/errors"
)

func List(ctx context.Context, all bool) ([]USBDeviceInfo, error) {
	return nil, errors.Errorf("not supported in this build")
}
