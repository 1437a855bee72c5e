package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erikjber/opengammatool/internal/export"
	"github.com/erikjber/opengammatool/internal/gammascout"
	"github.com/erikjber/opengammatool/internal/publisher"
	"github.com/erikjber/opengammatool/internal/server"
	"github.com/erikjber/opengammatool/web"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = `usage: gammatool [flags] <command>

commands:
  info              show firmware, serial number, memory use and device time
  download          read the log and write it as CSV (stdout or --output)
  set-clock         set the device clock (now, or --time)
  clear             erase the log memory (needs --yes)
  convert <file>    load a CSV export, summarize it, optionally rewrite it
  serve             run the HTTP/WebSocket service

flags:
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	port       string
	protocol   string
	demo       bool
	listen     string
	output     string
	clockTime  string
	yes        bool
	logLevel   string
}

func run(args []string, stdout io.Writer) error {
	var opts options
	flags := pflag.NewFlagSet("gammatool", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "/etc/gammatool/config.yaml", "path to config file")
	flags.StringVarP(&opts.port, "port", "p", "", "serial port (overrides config)")
	flags.StringVar(&opts.protocol, "protocol", "", "protocol: auto, v1 or v2 (overrides config)")
	flags.BoolVar(&opts.demo, "demo", false, "talk to a simulated device")
	flags.StringVar(&opts.listen, "listen", "", "override listen address (e.g. :8080)")
	flags.StringVarP(&opts.output, "output", "o", "", "CSV file to write")
	flags.StringVar(&opts.clockTime, "time", "", "RFC3339 time for set-clock (default: now)")
	flags.BoolVar(&opts.yes, "yes", false, "confirm erasing the log")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	help := flags.BoolP("help", "h", false, "show help")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *help {
		flags.Usage()
		return nil
	}

	command := flags.Arg(0)
	if command == "" {
		command = "info"
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := server.LoadConfig(opts.configPath)
	applyFlags(cfg, opts)

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := deviceSettings(cfg)
	if err != nil {
		return err
	}

	switch command {
	case "info":
		return withSession(settings, func(s *gammascout.Session) error {
			printInfo(stdout, s.Info())
			return nil
		})
	case "download":
		return withSession(settings, func(s *gammascout.Session) error {
			return download(s, cfg, opts.output, stdout)
		})
	case "set-clock":
		t := time.Now()
		if opts.clockTime != "" {
			if t, err = time.Parse(time.RFC3339, opts.clockTime); err != nil {
				return fmt.Errorf("--time: %w", err)
			}
		}
		return withSession(settings, func(s *gammascout.Session) error {
			if err := s.SetClock(t); err != nil {
				return err
			}
			printInfo(stdout, s.Info())
			return nil
		})
	case "clear":
		if !opts.yes {
			return fmt.Errorf("clear erases the device log; pass --yes to confirm")
		}
		return withSession(settings, func(s *gammascout.Session) error {
			if err := s.ClearLog(); err != nil {
				return err
			}
			printInfo(stdout, s.Info())
			return nil
		})
	case "convert":
		if flags.NArg() < 2 {
			return fmt.Errorf("convert needs an input file")
		}
		return convert(flags.Arg(1), opts.output, stdout)
	case "serve":
		return serve(ctx, cfg, settings)
	}
	return fmt.Errorf("unknown command %q", command)
}

func applyFlags(cfg *server.Config, opts options) {
	if opts.demo {
		cfg.Device.Type = "demo"
	}
	if opts.port != "" {
		cfg.Device.PortPath = opts.port
	}
	if opts.protocol != "" {
		cfg.Device.Protocol = opts.protocol
	}
	if opts.listen != "" {
		cfg.Server.ListenAddr = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
}

// deviceSettings builds the session settings, swapping in a simulator for
// the demo device type.
func deviceSettings(cfg *server.Config) (gammascout.Config, error) {
	settings := cfg.DeviceSettings()
	if cfg.Device.Type != "demo" {
		return settings, nil
	}
	version, err := gammascout.ParseProtocol(settings.Protocol)
	if err != nil {
		return settings, err
	}
	if version == gammascout.Unknown {
		version = gammascout.V2
	}
	sim := gammascout.NewSimulator(version)
	data, err := gammascout.DemoLog(version, time.Now(), 400)
	if err != nil {
		return settings, err
	}
	sim.SetLog(data)
	settings.PortPath = "demo"
	settings.Opener = sim.Open
	settings.CharDelay = 20 * time.Millisecond
	log.Info().Str("component", "main").Stringer("protocol", version).Msg("using simulated device")
	return settings, nil
}

func withSession(settings gammascout.Config, fn func(s *gammascout.Session) error) error {
	s, err := gammascout.Connect(settings)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printInfo(w io.Writer, info gammascout.Info) {
	fmt.Fprintf(w, "protocol:     %s\n", info.Protocol)
	fmt.Fprintf(w, "firmware:     %s\n", info.Firmware)
	if info.Serial != "" {
		fmt.Fprintf(w, "serial:       %s\n", info.Serial)
	}
	fmt.Fprintf(w, "memory used:  %d bytes (%.1f%%)\n", info.BytesUsed, info.MemoryUsed()*100)
	if t, ok := info.DeviceTime(time.Now()); ok {
		fmt.Fprintf(w, "device time:  %s UTC\n", t.UTC().Format(export.TimeLayout))
	}
}

func download(s *gammascout.Session, cfg *server.Config, output string, stdout io.Writer) error {
	if cfg.MQTT.Enabled {
		m, err := publisher.NewMQTT(cfg.MQTT)
		if err != nil {
			log.Warn().Str("component", "main").Err(err).Msg("mqtt unavailable, continuing without it")
		} else {
			defer m.Close()
			s.AddListener(m)
			if err := m.PublishInfo(s.Info()); err != nil {
				log.Warn().Str("component", "main").Err(err).Msg("info publish failed")
			}
		}
	}

	readings, err := s.GetLog()
	// Whatever decoded before a failure is still worth keeping.
	if output != "" {
		if werr := export.SaveFile(output, readings); werr != nil {
			return werr
		}
	} else if werr := export.WriteCSV(stdout, readings); werr != nil {
		return werr
	}
	return err
}

func convert(input, output string, stdout io.Writer) error {
	readings, err := export.LoadFile(input)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "readings:     %d\n", len(readings))
	if len(readings) > 0 {
		var total, seconds int64
		peak := readings[0]
		saturated := 0
		for _, r := range readings {
			total += r.Count
			seconds += r.Interval
			if r.MicroSievertsPerHour() > peak.MicroSievertsPerHour() {
				peak = r
			}
			if r.Saturated {
				saturated++
			}
		}
		fmt.Fprintf(stdout, "from:         %s UTC\n", readings[0].Start().UTC().Format(export.TimeLayout))
		fmt.Fprintf(stdout, "to:           %s UTC\n", readings[len(readings)-1].End.UTC().Format(export.TimeLayout))
		if seconds > 0 {
			mean := float64(total) * 60 / float64(seconds) / gammascout.CPMPerMicroSievertHour
			fmt.Fprintf(stdout, "mean:         %.3f µSv/h\n", mean)
		}
		fmt.Fprintf(stdout, "peak:         %.3f µSv/h at %s UTC\n", peak.MicroSievertsPerHour(), peak.End.UTC().Format(export.TimeLayout))
		fmt.Fprintf(stdout, "saturated:    %d\n", saturated)
	}
	if output != "" {
		return export.SaveFile(output, readings)
	}
	return nil
}

func serve(ctx context.Context, cfg *server.Config, settings gammascout.Config) error {
	provider := gammascout.NewProvider(settings)
	defer provider.Close()

	var info server.InfoPublisher
	if cfg.MQTT.Enabled {
		m, err := publisher.NewMQTT(cfg.MQTT)
		if err != nil {
			log.Warn().Str("component", "main").Err(err).Msg("mqtt unavailable, continuing without it")
		} else {
			defer m.Close()
			provider.AddListener(m)
			info = m
		}
	}

	go supervise(ctx, provider)

	srv := server.New(cfg, provider, export.NewRecorder(cfg.Export), info, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Error().Str("component", "main").Err(err).Msg("server exited")
		return err
	}
	return nil
}

// connectable is what supervise and connectWithRetry drive.
type connectable interface {
	Name() string
	Connect() error
	IsConnected() bool
}

// supervise keeps the device connected: it connects with backoff, then
// watches the session and starts over when it drops.
func supervise(ctx context.Context, c connectable) {
	for {
		if !connectWithRetry(ctx, c, 10) {
			return
		}
		ticker := time.NewTicker(2 * time.Second)
		for c.IsConnected() {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
		ticker.Stop()
		log.Warn().Str("component", "main").Str("device", c.Name()).Msg("connection lost, reconnecting")
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports false if ctx
// ended first.
func connectWithRetry(ctx context.Context, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Info().Str("component", "main").Str("device", c.Name()).Int("attempt", attempt+1).Msg("connected")
			return true
		}
		attempt++
		ev := log.Warn().Str("component", "main").Str("device", c.Name()).Err(err).Dur("retry_in", delay)
		if attempt <= maxAttempts {
			ev.Msgf("connect attempt %d/%d failed", attempt, maxAttempts)
		} else {
			ev.Msgf("connect attempt %d failed", attempt)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
