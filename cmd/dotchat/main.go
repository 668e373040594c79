// DotChat - Group chat reply pipeline
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/agent"
	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/channels"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/health"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/janitor"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/sandbox"
	"github.com/dotsetgreg/dotchat/pkg/settings"
	"github.com/dotsetgreg/dotchat/pkg/telemetry"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "dotchat"
	shutdownTimeout = 10 * time.Second
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadConfig(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func applyLogLevel(cfg *config.Config, debug bool) {
	if debug {
		logger.SetLevel(logger.DEBUG)
		return
	}
	logger.SetLevel(logger.ParseLevel(cfg.Bot.LogLevel))
}

// pipeline is every long-lived component of a running bot.
type pipeline struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	history  *history.Store
	settings settings.Store
	registry *providers.Registry
	channels *channels.Manager
	loop     *agent.AgentLoop
	janitor  *janitor.Janitor
	watcher  *providers.RoutesWatcher

	loopStarted bool
	loopDone    chan struct{}
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	registry, err := providers.NewRegistry(cfg.RoutesPath())
	if err != nil {
		return nil, fmt.Errorf("load provider routes: %w", err)
	}
	prompts, err := agent.LoadPrompts(cfg.Prompts)
	if err != nil {
		return nil, err
	}
	store, err := settings.NewSQLiteStore(cfg.StorePath(), settings.FromDefaults(cfg.Defaults))
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		cfg:      cfg,
		bus:      bus.NewMessageBus(),
		history:  history.NewStore(cfg.History.Capacity),
		settings: store,
		registry: registry,
		loopDone: make(chan struct{}),
	}

	p.channels, err = channels.NewManager(cfg, p.bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Location = cfg.Location()
	p.loop, err = agent.NewAgentLoop(agent.Deps{
		Config:    cfg,
		Bus:       p.bus,
		History:   p.history,
		Settings:  store,
		Provider:  providers.NewClient(registry, cfg.CallTimeout()),
		Reloader:  registry,
		Transport: p.channels,
		Renderer:  sandbox.New(sandboxCfg),
		Prompts:   prompts,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.History.SweepCron != "" {
		p.janitor, err = janitor.New(cfg.History.SweepCron, cfg.IdleTTL(), p.history)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	if cfg.Providers.Watch {
		p.watcher, err = providers.NewRoutesWatcher(registry)
		if err != nil {
			logger.WarnCF("providers", "Routes hot reload unavailable", map[string]any{"error": err.Error()})
			p.watcher = nil
		}
	}
	return p, nil
}

func (p *pipeline) start(ctx context.Context) error {
	if err := p.channels.StartAll(ctx); err != nil {
		return err
	}
	if p.janitor != nil {
		p.janitor.Start(ctx)
	}
	if p.watcher != nil {
		if err := p.watcher.Start(ctx); err != nil {
			logger.WarnCF("providers", "Routes hot reload unavailable", map[string]any{"error": err.Error()})
		}
	}
	p.loopStarted = true
	go func() {
		defer close(p.loopDone)
		if err := p.loop.Run(ctx); err != nil {
			logger.ErrorCF("agent", "Agent loop stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// stop shuts components down in reverse start order. ctx bounds the wait.
func (p *pipeline) stop(ctx context.Context) {
	p.loop.Stop()
	p.bus.Close()
	if p.loopStarted {
		select {
		case <-p.loopDone:
		case <-ctx.Done():
			logger.WarnC("agent", "Timed out waiting for in-flight runs")
		}
	}
	if p.watcher != nil {
		p.watcher.Stop()
	}
	if p.janitor != nil {
		p.janitor.Stop()
	}
	if err := p.channels.StopAll(ctx); err != nil {
		logger.WarnCF("channels", "Error stopping channels", map[string]any{"error": err.Error()})
	}
	if err := p.settings.Close(); err != nil {
		logger.WarnCF("settings", "Error closing settings store", map[string]any{"error": err.Error()})
	}
}

// sections are the parts of the gateway /status document.
func (p *pipeline) sections() map[string]health.StatusFunc {
	out := map[string]health.StatusFunc{
		"routes":   func() any { return p.registry.Summary() },
		"agent":    func() any { return p.loop.Status() },
		"channels": func() any { return p.channels.GetStatus() },
		"bus": func() any {
			return map[string]any{
				"pending":          p.bus.Pending(),
				"dropped_inbound":  p.bus.DroppedInbound(),
				"dropped_outbound": p.bus.DroppedOutbound(),
			}
		},
	}
	if p.janitor != nil {
		out["janitor"] = func() any { return p.janitor.Status() }
	}
	if p.watcher != nil {
		out["routes_watch"] = func() any {
			ok, failed := p.watcher.Reloads()
			return map[string]any{"reloads": ok, "failures": failed}
		}
	}
	return out
}

func gatewayCmd(out io.Writer, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg, debug)
	if !cfg.Channels.Discord.Enabled {
		return errors.New("channels.discord.enabled is false; use `dotchat console` for a local session")
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	server := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
	for name, section := range p.sections() {
		server.RegisterStatus(name, section)
	}
	server.SetReloader(cfg.Gateway.AdminToken, p.loop.ReloadProviders)

	if err := p.start(ctx); err != nil {
		p.stop(context.Background())
		return err
	}
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Gateway server error", map[string]any{"error": err.Error()})
		}
	}()
	server.SetReady(true)

	fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(p.channels.GetEnabledChannels(), ", "))
	fmt.Fprintf(out, "✓ Gateway endpoints at http://%s/health, /ready and /status\n", server.Addr())
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Fprintln(out, "\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WarnCF("health", "Gateway server shutdown", map[string]any{"error": err.Error()})
	}
	p.stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WarnCF("telemetry", "Tracer shutdown", map[string]any{"error": err.Error()})
	}
	fmt.Fprintln(out, "✓ Gateway stopped")
	return nil
}

func consoleCmd(out io.Writer, configPath, conversation string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg, debug)
	cfg.Channels.Discord.Enabled = false
	cfg.Channels.Discord.Backfill = 0
	if strings.TrimSpace(conversation) != "" {
		cfg.Channels.Console.Conversation = conversation
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	console := channels.NewConsoleChannel(cfg.Channels.Console, cfg.Bot.Name, p.bus, nil, out)
	p.channels.RegisterChannel(console.Name(), console)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := p.start(ctx); err != nil {
		p.stop(context.Background())
		return err
	}
	fmt.Fprintf(out, "%s console (conversation %q). Type /chat for commands, exit to quit.\n\n", appName, cfg.Channels.Console.Conversation)

	select {
	case <-ctx.Done():
	case <-console.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	p.stop(shutdownCtx)
	fmt.Fprintln(out, "Goodbye!")
	return nil
}

// routesCheckCmd validates a routes file without starting anything.
func routesCheckCmd(out io.Writer, configPath, file string) error {
	if strings.TrimSpace(file) == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		file = cfg.RoutesPath()
	}
	table, err := providers.LoadRoutes(config.ExpandHome(file))
	if err != nil {
		return err
	}

	summary := table.Summary()
	fmt.Fprintf(out, "✓ %s is valid\n", file)
	for _, capability := range table.Capabilities() {
		fmt.Fprintf(out, "  %-10s %s\n", capability, strings.Join(summary[capability], " → "))
	}
	return nil
}

func statusCmd(out io.Writer, configPath string) error {
	if strings.TrimSpace(configPath) == "" {
		configPath = config.DefaultConfigPath()
	}
	configPath = config.ExpandHome(configPath)

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(out, "Build: %s\n", build)
	}
	fmt.Fprintln(out)

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	_, statErr := os.Stat(configPath)
	fmt.Fprintln(out, "Config:", configPath, mark(statErr == nil))

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(out, "Config error:", err)
		return nil
	}

	table, routesErr := providers.LoadRoutes(cfg.RoutesPath())
	fmt.Fprintln(out, "Routes:", cfg.RoutesPath(), mark(routesErr == nil))
	if routesErr != nil {
		fmt.Fprintln(out, "  ", routesErr)
	} else {
		for _, capability := range []string{
			providers.CapabilityChat,
			providers.CapabilityPreprocess,
			providers.CapabilityVision,
			providers.CapabilitySearch,
			providers.CapabilityImage,
			providers.CapabilityThink,
		} {
			state := "not routed"
			if table.Has(capability) {
				state = strings.Join(table.Summary()[capability], " → ")
			}
			fmt.Fprintf(out, "  %-10s %s\n", capability, state)
		}
	}

	_, dbErr := os.Stat(cfg.StorePath())
	state := "not initialized"
	if dbErr == nil {
		state = "✓"
	}
	fmt.Fprintln(out, "Settings DB:", cfg.StorePath(), state)

	discordReady := cfg.Channels.Discord.Enabled && strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Fprintln(out, "Discord:", mark(discordReady))
	fmt.Fprintln(out, "Gateway ready:", mark(discordReady && routesErr == nil))
	return nil
}
