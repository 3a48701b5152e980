package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/paulhankin/grblplot/config"
	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/job"
	"github.com/paulhankin/grblplot/paths"
	"github.com/paulhankin/grblplot/server"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// readInput reads the single file argument.
func (e *env) readInput() (string, []byte, error) {
	if len(e.args) != 1 {
		return "", nil, errUsage
	}
	src, err := os.ReadFile(e.args[0])
	if err != nil {
		return "", nil, err
	}
	return e.args[0], src, nil
}

func (e *env) warn(warnings []string) {
	for _, w := range warnings {
		e.log.Warn("%s", w)
	}
}

var (
	genOutput      string
	genSplitLayers bool
	genPreview     bool
)

var genGcodeCmd = command{
	usage: "[flags] <file.svg>",
	help:  "convert an SVG drawing to G-code",
	flags: func(fs *flag.FlagSet, cfg *config.Config) {
		plotFlags(fs, cfg)
		fs.StringVarP(&genOutput, "output", "o", "", "output file name, without extension (default: the input's)")
		fs.BoolVar(&genSplitLayers, "split-layers", false, "write one file per top-level group, named <output>_<layer>.gcode")
		fs.BoolVar(&genPreview, "preview", false, "also write <output>.preview.svg showing the placed drawing")
	},
	run: func(e *env) error {
		name, src, err := e.readInput()
		if err != nil {
			return err
		}
		page, err := paths.ParsePageSize(e.cfg.Plot.PageSize)
		if err != nil {
			return err
		}
		base := genOutput
		if base == "" {
			base = strings.TrimSuffix(name, filepath.Ext(name))
		}
		opt := e.compileOptions()

		var out []*job.Compiled
		if genSplitLayers {
			out, err = job.CompileLayers(name, src, page, opt)
		} else {
			var c *job.Compiled
			c, err = job.Compile(name, src, page, opt)
			out = append(out, c)
		}
		if err != nil {
			return err
		}

		var all paths.Polylines
		for _, c := range out {
			e.warn(c.Warnings)
			file := base + ".gcode"
			if c.Layer != "" {
				file = base + "_" + fileSafe(c.Layer) + ".gcode"
			}
			if err := writeProgram(file, c); err != nil {
				return err
			}
			e.log.Info("wrote %s: %d lines, about %s", file, len(c.Lines()), c.Estimate.Duration.Round(time.Second))
			all = append(all, c.Polylines...)
		}
		if genPreview {
			file := base + ".preview.svg"
			if err := writePreview(file, all, page); err != nil {
				return err
			}
			e.log.Info("wrote %s", file)
		}
		return nil
	},
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func fileSafe(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

func writeProgram(file string, c *job.Compiled) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	if _, err := c.Program.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", file, err)
	}
	return f.Close()
}

func writePreview(file string, ps paths.Polylines, page paths.PageSpec) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	if err := ps.WriteSVG(f, page); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", file, err)
	}
	return f.Close()
}

var estimateCmd = command{
	usage: "[flags] <file>",
	help:  "compile a file and estimate its plotting time",
	flags: plotFlags,
	run: func(e *env) error {
		name, src, err := e.readInput()
		if err != nil {
			return err
		}
		page, err := paths.ParsePageSize(e.cfg.Plot.PageSize)
		if err != nil {
			return err
		}
		c, err := job.Compile(name, src, page, e.compileOptions())
		if err != nil {
			return err
		}
		e.warn(c.Warnings)
		est := c.Estimate
		fmt.Fprintf(e.stdout, "lines:     %d\n", len(c.Lines()))
		fmt.Fprintf(e.stdout, "moves:     %d\n", est.Moves)
		fmt.Fprintf(e.stdout, "drawing:   %.1fmm\n", est.DrawDistance)
		fmt.Fprintf(e.stdout, "travel:    %.1fmm\n", est.TravelDistance)
		fmt.Fprintf(e.stdout, "extent:    %.1f,%.1f to %.1f,%.1f\n", est.Bounds.Min[0], est.Bounds.Min[1], est.Bounds.Max[0], est.Bounds.Max[1])
		fmt.Fprintf(e.stdout, "time:      %s\n", est.Duration.Round(time.Second))
		return nil
	},
}

var plotFileCmd = command{
	usage: "[flags] <file.svg|file.gcode>",
	help:  "plot a drawing or G-code file",
	flags: func(fs *flag.FlagSet, cfg *config.Config) {
		serialFlags(fs, cfg)
		plotFlags(fs, cfg)
		cancelFlags(fs, cfg)
	},
	run: func(e *env) error {
		name, src, err := e.readInput()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		m := e.manager()
		id, err := m.Submit(filepath.Base(name), src, e.cfg.Plot.PageSize)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			e.log.Warn("interrupted, stopping the plotter")
			m.Cancel(id)
		}()

		snap, err := e.follow(m, id)
		if err != nil {
			return err
		}
		switch snap.Status {
		case job.StatusCompleted:
			e.log.Info("done: %d lines in %s", snap.LinesTotal, snap.Finished.Sub(*snap.Started).Round(time.Second))
			return nil
		case job.StatusCancelled:
			return fmt.Errorf("cancelled after %d of %d lines", snap.Cursor, snap.LinesTotal)
		default:
			return fmt.Errorf("plot failed: %s", snap.Error)
		}
	},
}

// follow logs a job's progress until it finishes.
func (e *env) follow(m *job.Manager, id string) (job.Snapshot, error) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	var (
		last   job.Status
		warned bool
		pct    = -10
	)
	for {
		snap, ok := m.Status(id)
		if !ok {
			return snap, job.ErrNotFound
		}
		if !warned && snap.LinesTotal > 0 {
			e.warn(snap.Warnings)
			e.log.Info("%s: %d lines, about %s", snap.Name, snap.LinesTotal, time.Duration(snap.EstimatedSeconds*float64(time.Second)).Round(time.Second))
			warned = true
		}
		if snap.Status != last {
			e.log.Debug("status %s", snap.Status)
			last = snap.Status
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		if snap.LinesTotal > 0 {
			if p := 100 * snap.Cursor / snap.LinesTotal; p/10 != pct/10 {
				e.log.Info("%d%% (%d/%d lines, %s)", p, snap.Cursor, snap.LinesTotal, snap.DeviceState)
				pct = p
			}
		}
		<-tick.C
	}
}

var sendCommandCmd = command{
	usage: "[flags] <command>",
	help:  "send one command to the device and print the reply",
	flags: serialFlags,
	run: func(e *env) error {
		if len(e.args) == 0 {
			return errUsage
		}
		line := strings.Join(e.args, " ")
		ctx, stop := signalContext()
		defer stop()
		return e.manager().WithSession(ctx, func(s *grbl.Session) error {
			b, ok := grbl.RealtimeByte(line)
			switch {
			case ok && b == grbl.StatusQuery:
				st, err := s.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(e.stdout, "%s at %.3f,%.3f\n", st.State, st.MPos[0], st.MPos[1])
				return nil
			case ok:
				return s.Realtime(b)
			}
			out, err := s.Query(line)
			if err != nil {
				return err
			}
			if out != "" {
				fmt.Fprintln(e.stdout, out)
			}
			return nil
		})
	},
}

var serialCmd = command{
	usage: "[flags]",
	help:  "interactive serial console to the device",
	flags: serialFlags,
	run: func(e *env) error {
		ctx, stop := signalContext()
		defer stop()
		return e.manager().WithSession(ctx, func(s *grbl.Session) error {
			return s.Serial(ctx, e.stdin, e.stdout)
		})
	},
}

var serveCmd = command{
	usage: "[flags]",
	help:  "run the HTTP API",
	flags: func(fs *flag.FlagSet, cfg *config.Config) {
		serialFlags(fs, cfg)
		plotFlags(fs, cfg)
		cancelFlags(fs, cfg)
		fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "listen address")
	},
	run: func(e *env) error {
		ctx, stop := signalContext()
		defer stop()
		srv := server.New(e.manager(), server.Options{
			Config:      e.cfg.Server,
			DefaultPage: e.cfg.Plot.PageSize,
			Version:     version,
			RequestLog:  e.stderr,
			Log:         e.log,
		})
		return srv.ListenAndServe(ctx)
	},
}

var portsProbe bool

var portsCmd = command{
	usage: "[flags]",
	help:  "list serial ports that may be a plotter",
	flags: func(fs *flag.FlagSet, cfg *config.Config) {
		fs.IntVar(&cfg.Serial.Baud, "baud", cfg.Serial.Baud, "serial baud rate")
		fs.BoolVar(&portsProbe, "probe", false, "open each port and print its banner")
	},
	run: func(e *env) error {
		ports := grbl.DiscoverPorts()
		if len(ports) == 0 {
			return grbl.ErrNoDevice
		}
		ctx, stop := signalContext()
		defer stop()
		for _, p := range ports {
			if !portsProbe {
				fmt.Fprintln(e.stdout, p)
				continue
			}
			t, banner, err := grbl.Dial(ctx, grbl.DialConfig{
				Port:             p,
				Baud:             e.cfg.Serial.Baud,
				HandshakeTimeout: e.cfg.Serial.HandshakeTimeout,
			}, e.log.WithPrefix("serial"))
			if err != nil {
				fmt.Fprintf(e.stdout, "%s\t(%v)\n", p, err)
				continue
			}
			t.Close()
			fmt.Fprintf(e.stdout, "%s\t%s\n", p, banner)
		}
		return nil
	},
}
