package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"chatgate/server"
)

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return server.Config{}, fmt.Errorf("no config at %s, create one with -config-cmd=init", path)
	} else if err != nil {
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	_, err := runSetup(os.Stdin, os.Stdout, path, logger)
	return err
}

// prompter asks questions on out and reads answers line by line from in.
// Once in is exhausted every question takes its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() string {
	if p.eof {
		return ""
	}
	line, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(line)
}

// text asks for a value, returning def on an empty answer.
func (p *prompter) text(question, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", question)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	}
	if answer := p.readLine(); answer != "" {
		return answer
	}
	return strings.TrimSpace(def)
}

// required repeats the question until it gets an answer. It gives up and
// returns "" when input runs out.
func (p *prompter) required(question string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", question)
		if answer := p.readLine(); answer != "" || p.eof {
			return answer
		}
		fmt.Fprintln(p.out, "A value is required.")
	}
}

func (p *prompter) confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", question, hint)
		switch strings.ToLower(p.readLine()) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if p.eof {
			return def
		}
		fmt.Fprintln(p.out, "Answer y or n.")
	}
}

// runSetup walks through the settings a first deployment needs, validates
// them and writes the YAML file. Nothing is written when validation fails.
func runSetup(in io.Reader, out io.Writer, path string, logger *slog.Logger) (server.Config, error) {
	p := newPrompter(in, out)
	fmt.Fprintf(out, "Creating %s. Press Enter to keep a default.\n", path)

	cfg := server.DefaultConfig()
	cfg.Server.DevMode = p.confirm("Development mode (plain HTTP, dev login)?", true)

	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.text("Listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.required("Public domain, e.g. chat.example.com"), "/")
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME account email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr, cfg.Server.HTTPSListenAddr = ":80", ":443"
	}
	cfg.Server.DeploymentURL = p.text("Deployment host for requests without a Host header (optional)", "")

	if !cfg.Server.DevMode || p.confirm("Set up Google sign-in now?", false) {
		cfg.Auth.Providers.Default = "google"
		cfg.Auth.Providers.Google.ClientID = p.required("Google client ID")
		cfg.Auth.Providers.Google.ClientSecret = p.required("Google client secret")
	} else {
		logger.Info("no provider configured, the dev login will be offered")
	}

	cfg.Widget.Title = p.text("Page title", cfg.Widget.Title)

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("config created", "path", path)
	return server.LoadConfig(path)
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
