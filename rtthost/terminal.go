package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/rtthost/common/ourutil"
	"github.com/mongoose-os/rtthost/rtt"
)

var (
	upFlag       = flag.Int("up", 0, "Up channel printed to stdout; defaults to channel 0 if the target has it")
	downFlag     = flag.Int("down", 0, "Down channel fed from stdin; defaults to channel 0 if the target has it")
	noInput      = flag.Bool("no-input", false, "Do not forward stdin to the down channel")
	pollInterval = flag.Duration("poll-interval", 10*time.Millisecond, "Up channel poll interval")
	forwardURL   = flag.String("forward", "", "Also publish up channel data to mqtt://[user:pass@]host[:port]/topic")
)

func terminalCmd(ctx context.Context) error {
	s, err := attach(ctx, &rtt.Options{PollInterval: *pollInterval})
	if err != nil {
		return errors.Trace(err)
	}
	defer s.close(ctx)

	up, err := pickChannel(s.r, rtt.Up, flag.Lookup("up").Changed, *upFlag)
	if err != nil {
		return errors.Trace(err)
	}
	down, err := pickChannel(s.r, rtt.Down, flag.Lookup("down").Changed, *downFlag)
	if err != nil {
		return errors.Trace(err)
	}

	var fwd *mqttForwarder
	if *forwardURL != "" {
		fwd, err = newMQTTForwarder(*forwardURL)
		if err != nil {
			return errors.Trace(err)
		}
		defer fwd.close()
	}

	// The target may configure its channels a while after publishing the
	// control block; re-read the table until something usable appears.
	if up < 0 && down < 0 {
		ourutil.Reportf("No channels yet, waiting for the target to configure them...")
	}

	var stdinCh chan []byte
	inputDone := false
	maybeStartInput := func() {
		if down >= 0 && !*noInput && !inputDone && stdinCh == nil {
			stdinCh = make(chan []byte)
			go stdinPump(stdinCh)
		}
	}
	maybeStartInput()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	color.New(color.FgGreen).Fprintf(os.Stderr, "Attached. Press Ctrl-C to detach.\n")
	glog.V(1).Infof("Terminal attached, up %d, down %d", up, down)

	buf := make([]byte, 1024)
	var pending []byte
	t := time.NewTicker(*pollInterval)
	defer t.Stop()

	for {
		select {
		case <-sigCh:
			ourutil.Reportf("\nDetaching...")
			return nil

		case data, chOk := <-stdinCh:
			if !chOk {
				stdinCh = nil
				inputDone = true
				continue
			}
			pending = append(pending, data...)

		case <-t.C:
			if up < 0 && down < 0 {
				if err := s.r.Refresh(ctx); err != nil {
					return errors.Annotatef(err, "failed to re-read the channel table")
				}
				up, _ = pickChannel(s.r, rtt.Up, false, *upFlag)
				down, _ = pickChannel(s.r, rtt.Down, false, *downFlag)
				if up < 0 && down < 0 {
					continue
				}
				ourutil.Reportf("Channels configured, up %d, down %d", up, down)
				maybeStartInput()
			}

			if up >= 0 {
				n, err := s.r.Read(ctx, rtt.ByIndex(up), buf)
				if err != nil {
					return errors.Annotatef(err, "failed to read up channel %d", up)
				}
				if n > 0 {
					if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
						return errors.Annotatef(werr, "stdout")
					}
					if fwd != nil {
						fwd.forward(buf[:n])
					}
				}
			}

			if down >= 0 && len(pending) > 0 {
				n, werr := writeSome(ctx, s.r, down, pending)
				if werr != nil {
					return errors.Annotatef(werr, "failed to write down channel %d", down)
				}
				pending = pending[n:]
			}
		}
	}
}

// writeSome queues as much of data as the down channel takes right now. A
// blocking-mode channel with no room is given one poll interval; timing out
// just leaves the data pending for the next tick.
func writeSome(ctx context.Context, r *rtt.RTT, down int, data []byte) (int, error) {
	ch, err := r.Lookup(rtt.Down, rtt.ByIndex(down))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if c := ch.Capacity(); len(data) > c {
		data = data[:c]
	}
	wctx, cancel := context.WithTimeout(ctx, *pollInterval)
	defer cancel()
	n, err := r.Write(wctx, rtt.ByIndex(down), data)
	if err != nil && errors.Cause(err) != rtt.ErrWriteTimeout {
		return n, errors.Trace(err)
	}
	return n, nil
}

// pickChannel resolves the channel to use in one direction: the requested
// index if it exists, otherwise -1 for "none". A missing channel is only an
// error when the index was given explicitly.
func pickChannel(r *rtt.RTT, dir rtt.Direction, explicit bool, want int) (int, error) {
	if _, err := r.Lookup(dir, rtt.ByIndex(want)); err != nil {
		if explicit {
			return -1, errors.Trace(err)
		}
		return -1, nil
	}
	return want, nil
}

func stdinPump(ch chan<- []byte) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch <- data
		}
		if err != nil {
			if err != io.EOF {
				ourutil.Reportf("Error reading stdin, input disabled: %s", err)
			}
			close(ch)
			return
		}
	}
}
