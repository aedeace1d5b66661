// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/taskforge/budget"
	"github.com/hashicorp/taskforge/config"
	"github.com/hashicorp/taskforge/engine"
	"github.com/hashicorp/taskforge/helper/clock"
)

// LayersCommand prints the topological execution layers of the configured
// task graph.
type LayersCommand struct {
	Meta
}

func (c *LayersCommand) Help() string {
	helpText := `
Usage: taskforge layers [options]

  Build the dependency graph from the configured tasks and print its
  execution layers: every task in layer N only depends on tasks in layers
  before N.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *LayersCommand) Synopsis() string {
	return "Print the execution layers of the configured task graph"
}

func (c *LayersCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("layers")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if c.configPath == "" {
		c.Ui.Error("The -config flag is required")
		return 1
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return 1
	}

	logger := hclog.NewNullLogger()
	eng := engine.New(logger, clock.New(), budget.New(logger, cfg.ResourceTotals))
	for _, tc := range cfg.Tasks {
		def, err := tc.TaskDefinition(cfg.DefaultRetry)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error normalizing task %q: %s", tc.TaskID, err))
			return 1
		}
		if err := eng.AddTask(def); err != nil {
			c.Ui.Error(fmt.Sprintf("Error adding task %q: %s", tc.TaskID, err))
			return 1
		}
	}

	layers, err := eng.ExecutionLayers()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error computing execution layers: %s", err))
		return 1
	}
	if len(layers) == 0 {
		c.Ui.Output("No tasks configured")
		return 0
	}

	for i, layer := range layers {
		c.Ui.Output(fmt.Sprintf("Layer %d: %s", i+1, strings.Join(layer, ", ")))
	}
	return 0
}
