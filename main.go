package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"golang.org/x/crypto/acme/autocert"

	"chatgate/server"
)

const (
	appName           = "chatgate"
	defaultConfigPath = "./config.yaml"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("bad -log-level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	path, command, args := resolveInvocation(*configPath, flag.Args())

	if *configCmd != "" {
		if err := runConfigCommand(*configCmd, path, logger); err != nil {
			log.Fatalf("%s: %v", *configCmd, err)
		}
		return
	}

	cfg, err := loadConfig(path, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		if len(args) == 0 {
			log.Fatalf("usage: %s [-config path] connect <provider>", os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, args[0], nil, nil); err != nil {
			logger.Error("connect failed", "provider", args[0], "error", err)
			os.Exit(1)
		}
		return
	}

	displayAppname(appName)
	if err := serve(cfg, logger); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// resolveInvocation splits positional arguments into the config path, an
// optional subcommand and its arguments. A bare first argument is taken as
// the config path when -config is not set.
func resolveInvocation(flagPath string, args []string) (path, command string, rest []string) {
	path = flagPath
	if len(args) > 0 && args[0] == "connect" {
		command, args = "connect", args[1:]
	} else if path == "" && len(args) > 0 {
		path, args = args[0], args[1:]
	}
	if path == "" {
		path = defaultConfigPath
	}
	return path, command, args
}

func runConfigCommand(cmd, path string, logger *slog.Logger) error {
	switch cmd {
	case "init":
		if err := runConfigInit(path, logger); err != nil {
			return err
		}
		logger.Info("config written", "path", path)
	case "validate":
		if err := runConfigValidate(path, logger); err != nil {
			return err
		}
		logger.Info("config valid", "path", path)
	default:
		return fmt.Errorf("unknown config command %q, expected init or validate", cmd)
	}
	return nil
}

// listener is one http.Server plus how to start it. fatal listeners stop
// the process when they fail; the ACME redirect listener does not.
type listener struct {
	name  string
	srv   *http.Server
	start func() error
	fatal bool
}

func serve(cfg server.Config, logger *slog.Logger) error {
	reachCtx, cancelReach := context.WithTimeout(context.Background(), 10*time.Second)
	warnUnreachableProviders(reachCtx, cfg, logger)
	cancelReach()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	stopRotation := make(chan struct{})
	defer close(stopRotation)
	application.Keys.StartRotation(stopRotation)

	listeners := buildListeners(cfg, application.Routes())
	for _, l := range listeners {
		logger.Info("listening", "listener", l.name, "addr", l.srv.Addr, "public_url", cfg.BaseURL())
		go func() {
			err := l.start()
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return
			}
			logger.Error("listener failed", "listener", l.name, "error", err)
			if l.fatal {
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, l := range listeners {
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("listener shutdown", "listener", l.name, "error", err)
		}
	}
	return nil
}

// buildListeners returns a plain HTTP listener in dev mode. In production it
// returns an autocert-backed HTTPS listener plus the port 80 listener that
// answers ACME challenges and upgrades everything else to HTTPS.
func buildListeners(cfg server.Config, handler http.Handler) []listener {
	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		return []listener{{name: "dev", srv: srv, start: srv.ListenAndServe, fatal: true}}
	}

	certs := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      cfg.Server.TLS.Email,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
	}

	acme := &http.Server{
		Addr:              cfg.Server.HTTPListenAddr,
		Handler:           certs.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	public := &http.Server{
		Addr:    cfg.Server.HTTPSListenAddr,
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: certs.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	return []listener{
		{name: "acme", srv: acme, start: acme.ListenAndServe},
		{name: "https", srv: public, start: func() error { return public.ListenAndServeTLS("", "") }, fatal: true},
	}
}

func displayAppname(name string) {
	figure.NewFigure(name, "cybermedium", true).Print()
	fmt.Println()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func parseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "err":
		return slog.LevelError, nil
	case "debug", "info", "warn", "error":
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return 0, err
		}
		return level, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
