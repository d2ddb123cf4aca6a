// kvmrelay - input event relay
// Streams pointer and keyboard events from a capture machine to an injection
// machine over TCP or WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"kvmrelay/internal/api"
	"kvmrelay/internal/config"
	"kvmrelay/internal/input"
	"kvmrelay/internal/logging"
	"kvmrelay/internal/network"
	"kvmrelay/internal/osutils"
	"kvmrelay/internal/protocol"
)

var (
	version     = "0.1.0"
	configPath  = flag.String("config", "", "Path to the TOML config file (default: per-user config dir)")
	connectAddr = flag.String("connect", "", "Run as sender and stream to this receiver address")
	listenAddr  = flag.String("listen", "", "Run as receiver and accept a sender on this address")
	transport   = flag.String("transport", "", "Transport: tcp or ws")
	verbose     = flag.Bool("v", false, "Verbose logging, including key codes")
	apiAddr     = flag.String("api", "", "Serve the ops API (health, status, metrics) on this address")
	scriptPath  = flag.String("script", "", "Capture script to replay as the sender's input (- for stdin)")
	scanLAN     = flag.Bool("scan", false, "Scan the LAN for kvmrelay instances and exit")
	printConfig = flag.Bool("print-config", false, "Print the effective configuration and exit")
	showVer     = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("kvmrelay version %s (protocol v%d)\n", version, protocol.Version)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvmrelay: %v\n", err)
		os.Exit(2)
	}

	if *printConfig {
		data, err := config.Encode(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kvmrelay: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	if *scanLAN {
		runScan(cfg)
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "kvmrelay: invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(newLogger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		roleModule(cfg.Role),
		fx.Invoke(registerAPI),
	).Run()
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "connect":
			cfg.Sender.Connect = *connectAddr
			cfg.Role = config.RoleSender
		case "listen":
			cfg.Receiver.Listen = *listenAddr
			cfg.Role = config.RoleReceiver
		case "transport":
			cfg.Transport = *transport
		case "v":
			cfg.Verbose = *verbose
		case "api":
			cfg.API.Enabled = true
			cfg.API.Listen = *apiAddr
		case "script":
			cfg.Sender.Script = *scriptPath
		}
	})
	if *connectAddr != "" && *listenAddr != "" {
		return nil, errors.New("-connect and -listen are mutually exclusive")
	}
	cfg.ResolveRole()
	return cfg, nil
}

func newLogger(cfg *config.Config, lc fx.Lifecycle) *zap.Logger {
	log := logging.New(cfg.LoggingOptions())
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log
}

func roleModule(role string) fx.Option {
	if role == config.RoleSender {
		return fx.Options(
			fx.Provide(newSender),
			fx.Provide(func(s *network.Sender) network.StatusReporter { return s }),
			fx.Invoke(registerSender),
		)
	}
	return fx.Options(
		fx.Provide(newReceiver),
		fx.Provide(func(r *network.Receiver) network.StatusReporter { return r }),
		fx.Invoke(registerReceiver),
	)
}

// ---------- Sender ----------

func newSender(cfg *config.Config, log *zap.Logger) (*network.Sender, error) {
	return network.NewSender(cfg.SenderOptions(), log)
}

func registerSender(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, s *network.Sender, log *zap.Logger) error {
	var src input.Source
	if cfg.Sender.Script != "" {
		script, err := openScript(cfg.Sender.Script)
		if err != nil {
			return err
		}
		src = script
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("sender starting",
				zap.String("connect", cfg.Sender.Connect),
				zap.String("transport", cfg.Transport),
				zap.String("backpressure", cfg.Sender.Backpressure),
			)
			go func() {
				defer close(done)
				if err := connectWithRetry(ctx, s, cfg.Sender.Connect, cfg.Sender.BackoffInitial.Duration, cfg.Sender.BackoffMax.Duration, log); err != nil {
					if !errors.Is(err, context.Canceled) {
						log.Error("cannot reach receiver", zap.Error(err))
						_ = sd.Shutdown(fx.ExitCode(1))
					}
					return
				}
				go watchStreaming(ctx, s, sd, log)
				if src == nil {
					log.Info("no capture source configured, connection idle")
					return
				}
				if err := src.Run(ctx, s.Send); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, network.ErrClosed) {
					log.Error("capture source failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				if ctx.Err() == nil {
					log.Info("capture script finished")
					_ = sd.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			err := s.Shutdown(stopCtx)
			<-done
			return err
		},
	})
	return nil
}

// connectWithRetry keeps dialing until the first connection succeeds. An
// address that does not resolve is fatal.
func connectWithRetry(ctx context.Context, s *network.Sender, addr string, initial, maxInterval time.Duration, log *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		err := s.Connect(ctx, addr)
		var cerr *network.ConnectError
		if errors.As(err, &cerr) && !cerr.Temporary() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, network.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("receiver not reachable, retrying", zap.Error(err), zap.Duration("retry_in", next))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// watchStreaming stops the app when the sender stops streaming on its own,
// e.g. once reconnecting gives up.
func watchStreaming(ctx context.Context, s *network.Sender, sd fx.Shutdowner, log *zap.Logger) {
	select {
	case <-ctx.Done():
	case <-s.Done():
		if err := s.Err(); err != nil && ctx.Err() == nil {
			log.Error("streaming stopped", zap.Error(err))
			_ = sd.Shutdown(fx.ExitCode(1))
		}
	}
}

func openScript(path string) (*input.ScriptSource, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	script, err := input.ParseScript(r)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return script, nil
}

// ---------- Receiver ----------

func newReceiver(cfg *config.Config, log *zap.Logger) (*network.Receiver, error) {
	return network.NewReceiver(cfg.ReceiverOptions(), log)
}

func registerReceiver(lc fx.Lifecycle, cfg *config.Config, r *network.Receiver, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	pumped := make(chan input.PumpStats, 1)
	inj := input.NewLogInjector(log, cfg.Verbose)

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := r.Listen(startCtx, cfg.Receiver.Listen); err != nil {
				return err
			}
			if ips, err := network.GetLocalIPs(); err == nil {
				log.Info("local addresses", zap.Strings("ips", ips))
			}
			if cfg.Receiver.OpenFirewall {
				go openFirewall("kvmrelay receiver", r.Addr(), log)
			}

			go func() { served <- r.Serve(ctx) }()
			go func() { pumped <- input.Pump(ctx, r.Events(), inj, log, cfg.Verbose) }()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			closeErr := r.Close()

			var serveErr error
			select {
			case serveErr = <-served:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			select {
			case st := <-pumped:
				log.Info("injection stopped", zap.Int("applied", st.Applied), zap.Int("failed", st.Failed))
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			return errors.Join(serveErr, closeErr)
		},
	})
}

// ---------- Ops API ----------

func registerAPI(lc fx.Lifecycle, cfg *config.Config, status network.StatusReporter, log *zap.Logger) {
	if !cfg.API.Enabled {
		return
	}

	srv := api.NewServer(status, api.Options{
		Listen:   cfg.API.Listen,
		Token:    cfg.API.Token,
		ScanPort: apiPort(cfg),
	}, log)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(ctx); err != nil {
				// The relay keeps working without its ops API.
				log.Warn("ops API failed to start", zap.String("listen", cfg.API.Listen), zap.Error(err))
				return nil
			}
			if cfg.Receiver.OpenFirewall {
				go openFirewall("kvmrelay ops API", srv.Addr(), log)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func openFirewall(rule string, addr net.Addr, log *zap.Logger) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	if err := osutils.EnsureFirewallRule(rule, tcp.Port, log); err != nil {
		log.Warn("firewall rule not applied", zap.String("rule", rule), zap.Error(err))
	}
}

func apiPort(cfg *config.Config) int {
	if _, p, err := net.SplitHostPort(cfg.API.Listen); err == nil {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			return n
		}
	}
	return config.DefaultAPIPort
}

func runScan(cfg *config.Config) {
	port := apiPort(cfg)
	fmt.Printf("Scanning local network for kvmrelay on port %d...\n", port)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts, err := network.ScanLAN(ctx, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	if len(hosts) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, h := range hosts {
		role := h.Status.Role
		if role == "" {
			role = "unknown role"
		}
		fmt.Printf("%s:%d  %s  %s\n", h.IP, h.Port, role, h.Status.State)
	}
}
