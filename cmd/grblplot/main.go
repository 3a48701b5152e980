// Command grblplot plots SVG and G-code files on a GRBL pen plotter.
//
// Usage:
//
//	grblplot gen_gcode [flags] <file.svg>
//	grblplot plot_file [flags] <file.svg|file.gcode>
//	grblplot estimate [flags] <file>
//	grblplot send_command [flags] <command>
//	grblplot serial [flags]
//	grblplot serve [flags]
//	grblplot ports
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/paulhankin/grblplot/config"
	"github.com/paulhankin/grblplot/gcode"
	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/job"
	"github.com/paulhankin/grblplot/logger"
	"github.com/paulhankin/grblplot/paths"
)

var version = "dev"

// env is what every command runs with.
type env struct {
	cfg    *config.Config
	log    *logger.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	args   []string
}

type command struct {
	usage string
	help  string
	flags func(fs *flag.FlagSet, cfg *config.Config)
	run   func(e *env) error
}

var commands = map[string]command{
	"gen_gcode":    genGcodeCmd,
	"plot_file":    plotFileCmd,
	"estimate":     estimateCmd,
	"send_command": sendCommandCmd,
	"serial":       serialCmd,
	"serve":        serveCmd,
	"ports":        portsCmd,
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: grblplot <command> [flags] [args]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-13s %s\n", n, commands[n].help)
	}
}

// errUsage makes run print the command's usage.
var errUsage = errors.New("bad usage")

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		return 2
	}
	if args[0] == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}

	// flags are parsed twice: once for --config, then on top of the
	// loaded file so that flags win.
	configPath := configFlag(args[1:])
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(true)
	fs.String("config", configPath, "YAML configuration file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if cmd.flags != nil {
		cmd.flags(fs, cfg)
	}
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: grblplot %s %s\n", args[0], cmd.usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}

	e := &env{
		cfg:    cfg,
		log:    logger.New(stderr, logger.ParseLevel(cfg.LogLevel), ""),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		args:   fs.Args(),
	}
	if err := cmd.run(e); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

// configFlag finds --config in args without parsing the rest.
func configFlag(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return "grblplot.yaml"
}

func serialFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Serial.Port, "port", cfg.Serial.Port, "serial port (default: discover)")
	fs.IntVar(&cfg.Serial.Baud, "baud", cfg.Serial.Baud, "serial baud rate")
}

func cancelFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.BoolVar(&cfg.Stream.ResetOnCancel, "reset-on-cancel", cfg.Stream.ResetOnCancel, "reset the device after cancelling, dropping the motion it has queued")
}

func plotFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Plot.PageSize, "target-page-size", cfg.Plot.PageSize, "page size: a preset such as A4 or A3-landscape, or WxH with a unit, such as 297x210mm")
	fs.Float64Var(&cfg.Plot.Margin, "margin", cfg.Plot.Margin, "margin kept clear on every side (mm)")
	fs.Float64Var(&cfg.Plot.Simplify, "simplify", cfg.Plot.Simplify, "drop points closer than this to the line (mm, 0 keeps all)")
	fs.BoolVar(&cfg.Plot.Sort, "sort", cfg.Plot.Sort, "reorder lines to cut pen-up travel")
	fs.BoolVar(&cfg.Plot.FlipY, "flip-y", cfg.Plot.FlipY, "put the SVG's top at the machine's far side")
	fs.IntVar(&cfg.Plot.FeedRate, "feed", cfg.Plot.FeedRate, "drawing speed (mm/min)")
	fs.IntVar(&cfg.Plot.PenUp, "pen-up", cfg.Plot.PenUp, "servo value with the pen lifted")
	fs.IntVar(&cfg.Plot.PenDown, "pen-down", cfg.Plot.PenDown, "servo value with the pen down")
}

func (e *env) streamConfig() grbl.StreamConfig {
	s := e.cfg.Stream
	return grbl.StreamConfig{
		BufferCapacity:     s.BufferCapacity,
		StatusInterval:     s.StatusInterval,
		StatusTimeout:      s.StatusTimeout,
		LineTimeout:        s.LineTimeout,
		ReconnectAttempts:  s.ReconnectAttempts,
		ReconnectBackoff:   s.ReconnectBackoff,
		CancelTimeout:      s.CancelTimeout,
		ResetOnCancel:      s.ResetOnCancel,
		EnableBufferReport: s.EnableBufferReport,
	}
}

func (e *env) compileOptions() job.CompileOptions {
	p, m := e.cfg.Plot, e.cfg.Machine
	return job.CompileOptions{
		Tolerance: p.Tolerance,
		Simplify:  p.Simplify,
		Sort:      p.Sort,
		Map:       paths.MapOptions{Margin: p.Margin, FlipY: p.FlipY},
		Gcode: &gcode.Config{
			FeedRate:     p.FeedRate,
			PenUp:        p.PenUp,
			PenDown:      p.PenDown,
			PenUpDelay:   p.PenUpDelay,
			PenDownDelay: p.PenDownDelay,
			ReturnHome:   p.ReturnHome,
		},
		Machine: gcode.MachineSettings{
			MaxRateX:      m.MaxRate,
			MaxRateY:      m.MaxRate,
			AccelerationX: m.Acceleration,
			AccelerationY: m.Acceleration,
		},
	}
}

func (e *env) manager() *job.Manager {
	dial := grbl.DialConfig{
		Port:             e.cfg.Serial.Port,
		Baud:             e.cfg.Serial.Baud,
		HandshakeTimeout: e.cfg.Serial.HandshakeTimeout,
	}
	return job.NewManager(job.Options{
		Dial:    dial.Dialer(e.log.WithPrefix("serial")),
		Stream:  e.streamConfig(),
		Compile: e.compileOptions(),
		Log:     e.log,
	})
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
