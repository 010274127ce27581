package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"

	"github.com/mongoose-os/rtthost/rtt"
)

func channelsCmd(ctx context.Context) error {
	s, err := attach(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.close(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	printChannels(w, "Up channels:", s.r.UpChannels())
	printChannels(w, "Down channels:", s.r.DownChannels())
	return errors.Trace(w.Flush())
}

func printChannels(w *tabwriter.Writer, title string, chans []*rtt.Channel) {
	fmt.Fprintf(w, "%s\n", title)
	for _, c := range chans {
		name := c.Name()
		if name == "" {
			name = "(no name)"
		}
		fmt.Fprintf(w, "  %d:\t%s\t%d bytes\t%s\n", c.Index(), name, c.BufferSize(), c.Mode())
	}
}
