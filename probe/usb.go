// +build !no_libudev

package probe

import (
	"context"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/rtthost/probe/cmsis-dap/dap"
)

// List enumerates CMSIS-DAP probes. With all set, every USB device is
// included, probes flagged; this helps spot a probe that is present
// but not in HID mode.
func List(ctx context.Context, all bool) ([]USBDeviceInfo, error) {
	var res []USBDeviceInfo
	probes := map[uint32]bool{}
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if !dap.IsProbe(di) {
			continue
		}
		res = append(res, USBDeviceInfo{
			VendorID:  di.VendorID,
			ProductID: di.ProductID,
			Product:   di.Product,
			Path:      di.Path,
			IsProbe:   true,
		})
		probes[uint32(di.VendorID)<<16|uint32(di.ProductID)] = true
	}
	if !all {
		return res, nil
	}
	uctx := gousb.NewContext()
	defer uctx.Close()
	// The filter only records descriptors, no device is opened.
	_, err = uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		if probes[uint32(dd.Vendor)<<16|uint32(dd.Product)] {
			return false
		}
		res = append(res, USBDeviceInfo{
			VendorID:  uint16(dd.Vendor),
			ProductID: uint16(dd.Product),
		})
		return false
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	return res, nil
}
