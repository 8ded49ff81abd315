package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/httpcore"
	"pkt.systems/httpcore/admission"
	"pkt.systems/httpcore/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("HTTPCORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "httpcored")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "httpcored",
		Short:         "httpcored serves a health endpoint through the embeddable httpcore HTTP(S) server",
		SilenceErrors: true,
		Example: `
  # plaintext on :8080
  httpcored --listen :8080

  # TLS with hot-reloaded credentials and HTTP/2
  httpcored --listen :8443 --protocol h2 --tls-cert /etc/httpcored/server.pem --watch-credentials

  # mutual TLS restricted to one client identity
  httpcored --listen :8443 --tls-cert server.pem --client-ca ca.pem --client-auth required --require-cn worker-1

  # several listeners from a YAML file
  httpcored --listeners /etc/httpcored/listeners.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			if cfgFile := strings.TrimSpace(viper.GetString("config")); cfgFile != "" {
				expanded, err := filepath.Abs(cfgFile)
				if err != nil {
					return fmt.Errorf("expand config path %q: %w", cfgFile, err)
				}
				viper.SetConfigFile(expanded)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file %q: %w", expanded, err)
				}
				cliLogger.Info("loaded config file", "path", expanded)
			}

			if levelName := strings.TrimSpace(viper.GetString("log-level")); levelName != "" {
				if level, ok := pslog.ParseLevel(levelName); ok {
					logger = logger.LogLevel(level)
					cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
				}
			}

			cfg, err := buildConfig()
			if err != nil {
				return err
			}

			server, err := httpcore.NewServer(cfg, httpcore.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			for i, addr := range server.Addrs() {
				cliLogger.Info("serving", "listener", i, "address", addr.String())
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address for the single-listener case")
	flags.String("network", httpcore.DefaultNetwork, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("protocol", string(httpcore.DefaultProtocol), "protocol family (h1 serves HTTP/1.1, h2 adds HTTP/2)")
	flags.String("listeners", "", "YAML file describing multiple listeners (overrides --listen)")
	flags.String("tls-cert", "", "server certificate PEM (key may live in the same file)")
	flags.String("tls-key", "", "server key PEM (defaults to --tls-cert)")
	flags.String("client-ca", "", "CA bundle for verifying client certificates")
	flags.String("client-auth", "none", "client certificate policy (none, optional, required)")
	flags.Bool("strict-tls", true, "abort startup on unusable TLS credentials instead of degrading to plaintext")
	flags.Bool("allow-insecure", false, "also serve plaintext clients on the TLS port")
	flags.Bool("watch-credentials", false, "hot-reload file-backed TLS credentials on change")
	flags.StringSlice("ticket-seed", nil, "hex seed minting session tickets (repeatable)")
	flags.StringSlice("ticket-seed-previous", nil, "retired hex seeds that still decrypt tickets (repeatable)")
	flags.StringSlice("ticket-seed-next", nil, "staged hex seeds that decrypt but do not mint (repeatable)")
	flags.Duration("handshake-timeout", httpcore.DefaultHandshakeTimeout, "TLS handshake timeout")
	flags.Duration("read-header-timeout", httpcore.DefaultReadHeaderTimeout, "HTTP read-header timeout")
	flags.Duration("idle-timeout", httpcore.DefaultIdleTimeout, "HTTP keep-alive idle timeout")
	flags.String("max-header-bytes", humanizeBytes(httpcore.DefaultMaxHeaderBytes), "maximum HTTP header size")
	flags.Int("backlog", httpcore.DefaultBacklog, "listen backlog per listener")
	flags.StringSlice("require-cn", nil, "admit only TLS clients with one of these certificate common names")
	flags.StringSlice("deny-serial", nil, "reject TLS clients whose certificate serial matches (repeatable)")
	flags.Int("guard-failure-threshold", 0, "handshake failures before a host is blocked (0 disables the guard)")
	flags.Duration("guard-failure-window", time.Second, "window for counting handshake failures")
	flags.Duration("guard-block-duration", 5*time.Minute, "time a host stays blocked after tripping the guard")
	flags.Float64("shed-memory-percent", 0, "refuse new connections above this system memory use percentage (0 disables)")
	flags.Float64("shed-load-per-cpu", 0, "refuse new connections above this 1-minute load average per CPU (0 disables)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	lookup := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("HTTPCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "network", "protocol", "listeners",
		"tls-cert", "tls-key", "client-ca", "client-auth", "strict-tls", "allow-insecure", "watch-credentials",
		"ticket-seed", "ticket-seed-previous", "ticket-seed-next",
		"handshake-timeout", "read-header-timeout", "idle-timeout", "max-header-bytes", "backlog",
		"require-cn", "deny-serial",
		"guard-failure-threshold", "guard-failure-window", "guard-block-duration",
		"shed-memory-percent", "shed-load-per-cpu",
		"metrics-listen", "pprof-listen", "otlp-endpoint", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func buildConfig() (httpcore.Config, error) {
	var cfg httpcore.Config

	if listenersFile := strings.TrimSpace(viper.GetString("listeners")); listenersFile != "" {
		specs, err := loadListenersFile(listenersFile)
		if err != nil {
			return cfg, err
		}
		cfg.Listeners = specs
	} else {
		spec := httpcore.ListenSpec{
			Network:                   viper.GetString("network"),
			Addr:                      viper.GetString("listen"),
			Protocol:                  httpcore.Protocol(viper.GetString("protocol")),
			StrictTLS:                 viper.GetBool("strict-tls"),
			AllowInsecureOnSecurePort: viper.GetBool("allow-insecure"),
		}
		if certFile := strings.TrimSpace(viper.GetString("tls-cert")); certFile != "" {
			auth, err := parseClientAuth(viper.GetString("client-auth"))
			if err != nil {
				return cfg, err
			}
			spec.TLS = []httpcore.TLSConfig{{
				CertFile:     certFile,
				KeyFile:      strings.TrimSpace(viper.GetString("tls-key")),
				ClientCAFile: strings.TrimSpace(viper.GetString("client-ca")),
				ClientAuth:   auth,
				Default:      true,
			}}
		}
		cfg.Listeners = []httpcore.ListenSpec{spec}
	}

	cfg.TicketSeeds = httpcore.TicketSeeds{
		Current:  viper.GetStringSlice("ticket-seed"),
		Previous: viper.GetStringSlice("ticket-seed-previous"),
		Next:     viper.GetStringSlice("ticket-seed-next"),
	}
	cfg.WatchCredentials = viper.GetBool("watch-credentials")
	cfg.HandshakeTimeout = viper.GetDuration("handshake-timeout")
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	if maxHeader := viper.GetString("max-header-bytes"); maxHeader != "" {
		size, err := humanize.ParseBytes(maxHeader)
		if err != nil {
			return cfg, fmt.Errorf("parse max-header-bytes: %w", err)
		}
		cfg.MaxHeaderBytes = int(size)
	}
	cfg.Backlog = viper.GetInt("backlog")
	cfg.GuardFailureThreshold = viper.GetInt("guard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("guard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("guard-block-duration")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")

	var filters []admission.Filter
	if names := viper.GetStringSlice("require-cn"); len(names) > 0 {
		filters = append(filters, admission.RequireCommonName(names...))
	}
	if serials := viper.GetStringSlice("deny-serial"); len(serials) > 0 {
		filters = append(filters, admission.DenySerials(serials...))
	}
	memPercent := viper.GetFloat64("shed-memory-percent")
	loadPerCPU := viper.GetFloat64("shed-load-per-cpu")
	if memPercent > 0 || loadPerCPU > 0 {
		policy := &admission.ResourcePolicy{
			MaxMemoryPercent: memPercent,
			MaxLoadPerCPU:    loadPerCPU,
		}
		filters = append(filters, policy.Filter())
	}
	if len(filters) > 0 {
		cfg.Filter = admission.Chain(filters...)
	}

	cfg.Chain = httpcore.NewHandlerChain(httpcore.IdentityHeaderFactory())
	cfg.Handler = newHealthHandler()
	return cfg, nil
}

func newHealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func parseClientAuth(raw string) (httpcore.VerifyMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return httpcore.VerifyNone, nil
	case "optional":
		return httpcore.VerifyOptional, nil
	case "required":
		return httpcore.VerifyRequired, nil
	default:
		return httpcore.VerifyNone, fmt.Errorf("unknown client-auth %q (none, optional, required)", raw)
	}
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
