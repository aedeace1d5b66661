// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/taskforge/config"
	"github.com/hashicorp/taskforge/scheduler"
)

// ValidateCommand checks a configuration file without running anything.
type ValidateCommand struct {
	Meta
}

func (c *ValidateCommand) Help() string {
	helpText := `
Usage: taskforge validate -config=<path>

  Load the configuration file, normalize every task and check it for
  structural problems, including cron expression syntax. Exits non-zero if
  the configuration is invalid.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *ValidateCommand) Synopsis() string {
	return "Validate a configuration file"
}

func (c *ValidateCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("validate")
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

	// Structural validation does not compile cron expressions; do that here
	// so a bad expression fails at validate time, not at agent start.
	failed := false
	for _, tc := range cfg.Tasks {
		def, err := tc.TaskDefinition(cfg.DefaultRetry)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Task %q: %s", tc.TaskID, err))
			failed = true
			continue
		}
		if err := scheduler.ValidateSchedule(&def.Schedule); err != nil {
			c.Ui.Error(fmt.Sprintf("Task %q schedule: %s", tc.TaskID, err))
			failed = true
		}
	}
	if failed {
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Configuration is valid (%d tasks)", len(cfg.Tasks)))
	return 0
}
