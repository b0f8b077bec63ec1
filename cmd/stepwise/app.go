package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/provider"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/internal/toolloop"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/pkg/schema"
)

// app wires the store, hub, engine, agents and MCP tools for one command.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	engine *engine.Engine
	// workflows resolves sub-workflows and workflows named by MCP clients.
	workflows *dirSource

	closers []func() error
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub(streaming.WithBuffer(1024))}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	agents, err := buildAgents(cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.workflows = &dirSource{dir: cfg.WorkflowsDir}
	a.engine, err = engine.New(engine.Config{
		Agents:           agents,
		Workflows:        a.workflows,
		PoolSize:         cfg.PoolSize,
		MaxWorkflowDepth: cfg.MaxWorkflowDepth,
		Limits:           cfg.Limits,
		Recorder:         s,
		Hub:              a.hub,
		Logger:           logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if err := a.registerBuiltins(cfg.Tools); err != nil {
		_ = a.Close()
		return nil, err
	}
	for _, srv := range cfg.MCPServers {
		if err := a.registerMCP(ctx, srv); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) registerBuiltins(tc ToolsConfig) error {
	if tc.Crypto {
		if err := tools.RegisterCrypto(a.engine.Tools()); err != nil {
			return err
		}
	}
	if tc.HTTP {
		if err := tools.RegisterHTTP(a.engine.Tools(), tc.HTTPOpts); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) registerMCP(ctx context.Context, srv MCPServerConfig) error {
	c, err := tools.DialMCP(ctx, srv.Command, srv.Env, srv.Args...)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, c.Close)

	n, err := tools.RegisterMCP(ctx, a.engine.Tools(), srv.Name, c)
	if err != nil {
		return err
	}
	a.logger.Info("mcp tools registered", slog.String("server", srv.Name), slog.Int("tools", n))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildAgents(cfg Config, logger *slog.Logger) (map[string]*toolloop.Agent, error) {
	agents := make(map[string]*toolloop.Agent, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		if ac.Name == "" {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "agent without a name")
		}
		var p provider.Provider
		switch ac.Provider {
		case "", "echo":
			p = provider.Echo{}
		case "scripted":
			steps := make([]provider.ScriptStep, len(ac.Replies))
			for i, r := range ac.Replies {
				steps[i] = provider.Reply(r)
			}
			p = provider.NewScripted(ac.Name, steps...)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %q: unknown provider %q", ac.Name, ac.Provider)
		}

		res := cfg.Resilience
		res.Logger = logger
		agents[ac.Name] = &toolloop.Agent{
			Name:          ac.Name,
			Provider:      provider.Resilient(p, res),
			System:        ac.System,
			Model:         ac.Model,
			Tools:         ac.Tools,
			MaxIterations: ac.MaxIterations,
			Stream:        ac.Stream,
			JSONOutput:    ac.JSONOutput,
		}
	}
	return agents, nil
}

// dirSource loads sub-workflows from <dir>/<name>.json on first use. The
// engine validates a sub-workflow when a step invokes it.
type dirSource struct {
	dir string

	mu    sync.Mutex
	cache map[string]*schema.Workflow
}

func (d *dirSource) Workflow(name string) (*schema.Workflow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if wf, ok := d.cache[name]; ok {
		return wf, nil
	}
	if d.dir == "" || filepath.Base(name) != name {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}

	raw, err := os.ReadFile(filepath.Join(d.dir, name+".json"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name).WithCause(err)
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal(raw, wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow %q", name).WithCause(err)
	}
	if d.cache == nil {
		d.cache = make(map[string]*schema.Workflow)
	}
	d.cache[name] = wf
	return wf, nil
}
