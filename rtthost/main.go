package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/rtthost/common/pflagenv"
	"github.com/mongoose-os/rtthost/probe"
	"github.com/mongoose-os/rtthost/version"
)

const (
	envPrefix = "RTTHOST_"
)

// This section contains the flags shared by the attach-bearing commands.
// Commands register more flags next to their handlers; everything obscure
// is hidden by default and shows up with --helpfull.
var (
	portFlag  = flag.String("port", "", "Probe address: cmsisdap://[vid:pid][:serial] or gdb://host:port. Empty picks the first CMSIS-DAP probe")
	chip      = flag.String("chip", "", "Chip name; selects the builtin RAM ranges to scan")
	chipsFile = flag.String("chips-file", "", "YAML file with extra chip descriptions")
	rangesStr = flag.String("ranges", "", "RAM ranges to scan, comma-separated start:size pairs; overrides --chip")
	address   = flag.String("address", "", "Control block address; skips scanning")
	resetRun  = flag.Bool("reset-run", false, "Reset the target and let it run before attaching")
	swdClock  = flag.Uint32("swd-clock", probe.DefaultSWDClockHz, "SWD clock frequency, Hz")
	timeout   = flag.Duration("timeout", 10*time.Second, "Timeout for attaching to the target")

	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

var (
	commands = []command{
		{"probes", probesCmd, `List attached debug probes`, nil, []string{"all"}},
		{"scan", scanCmd, `Find the RTT control block in target RAM`, nil, []string{"port", "chip", "ranges", "reset-run"}},
		{"channels", channelsCmd, `List the RTT channels of an attached target`, nil, []string{"port", "chip", "ranges", "address"}},
		{"terminal", terminalCmd, `Connect an up channel to stdout and stdin to a down channel`, nil, []string{"port", "chip", "up", "down", "no-input", "forward"}},
	}
)

type command struct {
	name     string
	handler  handler
	short    string
	required []string
	optional []string
}

type handler func(ctx context.Context) error

func run(ctx context.Context) error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			// check required flags
			if err := checkFlags(c.required); err != nil {
				return errors.Trace(err)
			}
			// run the handler
			if err := c.handler(ctx); err != nil {
				return errors.Trace(err)
			}
			return nil
		}
	}
	// not found
	usage()
	return nil
}

func main() {
	initFlags()
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Printf(
			"%s\nVersion: %s\nBuild ID: %s\n",
			"The RTT host tool", version.Version, version.BuildId,
		)
		return
	}

	if err := run(context.Background()); err != nil {
		glog.Infof("Error: %+v", err)
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
