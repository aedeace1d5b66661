// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/taskforge/config"
	"github.com/hashicorp/taskforge/executor"
	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/orchestrator"
	"github.com/hashicorp/taskforge/state"
)

// AgentCommand runs the taskforge agent until it receives a signal.
type AgentCommand struct {
	Meta

	// ShutdownCh triggers a graceful stop when closed. Defaults to
	// SIGINT/SIGTERM.
	ShutdownCh <-chan struct{}
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: taskforge agent [options]

  Start the taskforge agent: loads the configuration, admits the configured
  tasks, and runs the scheduler and workers until SIGINT or SIGTERM.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the taskforge agent"
}

func (c *AgentCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("agent")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := config.DefaultConfig()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
			return 1
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:  "taskforge",
		Level: hclog.LevelFromString(c.logLevel),
	})

	manager, err := c.buildManager(logger, cfg)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building task manager: %s", err))
		return 1
	}

	for _, tc := range cfg.Tasks {
		def, err := tc.TaskDefinition(cfg.DefaultRetry)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error normalizing task %q: %s", tc.TaskID, err))
			return 1
		}
		if err := manager.Admit(def); err != nil {
			c.Ui.Error(fmt.Sprintf("Error admitting task %q: %s", tc.TaskID, err))
			return 1
		}
	}

	if err := manager.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting task manager: %s", err))
		return 1
	}
	c.Ui.Output(fmt.Sprintf("Taskforge agent started with %d tasks (state dir: %s)",
		len(cfg.Tasks), cfg.StateDir))

	shutdownCh := c.ShutdownCh
	if shutdownCh == nil {
		shutdownCh = signalCh()
	}
	<-shutdownCh

	c.Ui.Output("Shutting down...")
	if err := manager.Stop(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
		return 1
	}
	return 0
}

func (c *AgentCommand) buildManager(logger hclog.Logger, cfg *config.Config) (*orchestrator.TaskManager, error) {
	clk := clock.New()

	store, err := state.NewFileStore(logger, clk, cfg.StateDir)
	if err != nil {
		return nil, err
	}

	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	grace, shutdownTimeout, cleanupInterval, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	return orchestrator.New(&orchestrator.Config{
		Logger:             logger,
		Clock:              clk,
		Store:              store,
		Registry:           registry,
		Notifier:           &orchestrator.LogNotifier{Logger: logger.Named("events")},
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		QueueDepth:         cfg.QueueDepth,
		ResourceTotals:     cfg.ResourceTotals,
		MisfireGrace:       grace,
		ShutdownTimeout:    shutdownTimeout,
		CleanupInterval:    cleanupInterval,
		Location:           loc,
		Retention:          cfg.RetentionPolicy(),
	})
}

func signalCh() <-chan struct{} {
	ch := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(ch)
	}()
	return ch
}
