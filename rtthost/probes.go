package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/rtthost/probe"
)

var (
	allDevices = flag.Bool("all", false, "List all USB devices, not only debug probes")
)

func probesCmd(ctx context.Context) error {
	devs, err := probe.List(ctx, *allDevices)
	if err != nil {
		return errors.Trace(err)
	}
	if len(devs) == 0 {
		return errors.Errorf("no debug probes found; make sure the probe is plugged in and up-to-date (--all lists every USB device)")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, d := range devs {
		name := d.Product
		if name == "" {
			name = "(unknown)"
		}
		kind := ""
		if d.IsProbe {
			kind = "probe"
		}
		fmt.Fprintf(w, "%04x:%04x\t%s\t%s\t%s\n", d.VendorID, d.ProductID, d.Path, name, kind)
	}
	return errors.Trace(w.Flush())
}
