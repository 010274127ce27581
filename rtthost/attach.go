package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/rtthost/common/ourutil"
	"github.com/mongoose-os/rtthost/probe"
	"github.com/mongoose-os/rtthost/rtt"
	"github.com/mongoose-os/rtthost/targets"
)

// session owns the probe lock, the probe connection and the RTT attachment,
// in acquisition order.
type session struct {
	fl *flock.Flock
	p  probe.Port
	r  *rtt.RTT
}

func resolveRanges() ([]rtt.Range, error) {
	if *rangesStr != "" {
		rr, err := targets.ParseRanges(*rangesStr)
		return rr, errors.Trace(err)
	}
	if *chip != "" {
		var extra []*targets.Chip
		if *chipsFile != "" {
			var err error
			extra, err = targets.LoadFile(*chipsFile)
			if err != nil {
				return nil, errors.Trace(err)
			}
		}
		c, err := targets.Lookup(*chip, extra)
		if errors.IsNotFound(err) {
			var names []string
			for _, b := range targets.Builtin() {
				names = append(names, b.Name)
			}
			return nil, errors.Errorf("unknown chip %q; builtin chips: %s (use --chips-file or --ranges for others)",
				*chip, strings.Join(names, ", "))
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		return c.Ranges(), nil
	}
	return nil, errors.Errorf("no RAM ranges to scan: give --chip, --ranges or --address")
}

func attach(ctx context.Context, opts *rtt.Options) (*session, error) {
	var ranges []rtt.Range
	if *address == "" {
		var err error
		ranges, err = resolveRanges()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	fl := flock.NewFlock(lockName(*portFlag))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to take %s", fl.Path())
	}
	if !locked {
		return nil, errors.Errorf("another process is using the probe (%s is taken)", fl.Path())
	}

	s := &session{fl: fl}
	ok := false
	defer func() {
		if !ok {
			s.close(ctx)
		}
	}()

	p, err := probe.Open(ctx, *portFlag, &probe.Options{SWDClockHz: *swdClock})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open the probe")
	}
	s.p = p
	ourutil.Reportf("Target: %s", p.TargetName())

	if *resetRun {
		if err := probe.ResetRun(ctx, p); err != nil {
			return nil, errors.Annotatef(err, "failed to reset the target")
		}
		// Let the firmware boot far enough to initialize RTT.
		time.Sleep(200 * time.Millisecond)
	}

	actx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if *address != "" {
		addr, perr := strconv.ParseUint(*address, 0, 32)
		if perr != nil {
			return nil, errors.NotValidf("control block address %q", *address)
		}
		s.r, err = rtt.AttachAt(actx, p, uint32(addr), opts)
	} else {
		ourutil.Reportf("Scanning %d range(s) for the RTT control block...", len(ranges))
		s.r, err = rtt.Attach(actx, p, ranges, opts)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to attach")
	}
	ourutil.Reportf("RTT control block at 0x%08x, %d up / %d down channels",
		s.r.Addr(), len(s.r.UpChannels()), len(s.r.DownChannels()))
	ok = true
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if s.r != nil {
		s.r.Detach()
	}
	if s.p != nil {
		if err := s.p.Close(ctx); err != nil {
			glog.V(1).Infof("Error closing the probe: %s", err)
		}
	}
	s.fl.Unlock()
}

// lockName keys the advisory probe lock by the --port value, so sessions on
// different probes do not block each other.
func lockName(port string) string {
	name := "default"
	if port != "" {
		name = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			}
			return '_'
		}, port)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("rtthost-%s.lock", name))
}
