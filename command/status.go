// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/taskforge/config"
	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/state"
)

// StatusCommand prints the persisted records from the state directory.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: taskforge status [options] [task]

  Display status information about tasks. If no task ID is given, a list of
  all known task records is dumped.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display status information about tasks"
}

func (c *StatusCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("status")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) > 1 {
		c.Ui.Error(c.Help())
		return 1
	}

	store, err := c.openStore()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening state store: %s", err))
		return 1
	}

	if len(args) == 0 {
		return c.listAll(store)
	}
	return c.showOne(store, args[0])
}

func (c *StatusCommand) listAll(store state.Store) int {
	summaries, err := store.List()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing tasks: %s", err))
		return 1
	}
	if len(summaries) == 0 {
		c.Ui.Output("No task records found")
		return 0
	}

	out := make([]string, len(summaries)+1)
	out[0] = "ID|Type|Status|Progress|Attempts|Updated"
	for i, s := range summaries {
		out[i+1] = fmt.Sprintf("%s|%s|%s|%.0f%%|%d|%s",
			s.TaskID, s.TaskType, s.Status, s.Progress*100, s.Attempts,
			s.UpdatedAt.Format(time.RFC3339))
	}
	c.Ui.Output(columnize.SimpleFormat(out))
	return 0
}

func (c *StatusCommand) showOne(store state.Store, id string) int {
	st, err := store.Load(id)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading task %q: %s", id, err))
		return 1
	}

	basic := []string{
		fmt.Sprintf("ID|%s", st.TaskID),
		fmt.Sprintf("Type|%s", st.TaskType),
		fmt.Sprintf("Status|%s", st.Status),
		fmt.Sprintf("Progress|%.0f%%", st.Progress*100),
		fmt.Sprintf("Attempts|%d", st.Attempts),
		fmt.Sprintf("Errors|%d", st.ErrorCount),
		fmt.Sprintf("Created|%s", st.CreatedAt.Format(time.RFC3339)),
		fmt.Sprintf("Updated|%s", st.UpdatedAt.Format(time.RFC3339)),
	}
	if st.LastErrorMessage != "" {
		basic = append(basic, fmt.Sprintf("Last Error|%s", st.LastErrorMessage))
	}
	c.Ui.Output(formatKV(basic))

	if len(st.History) > 0 {
		c.Ui.Output("\nHistory")
		rows := make([]string, len(st.History)+1)
		rows[0] = "When|From|Changes"
		for i, h := range st.History {
			rows[i+1] = fmt.Sprintf("%s|%s|%s",
				h.At.Format(time.RFC3339), h.PreviousStatus, formatDelta(h.Delta))
		}
		c.Ui.Output(columnize.SimpleFormat(rows))
	}
	return 0
}

func (c *StatusCommand) openStore() (state.Store, error) {
	dir := config.DefaultConfig().StateDir
	if c.configPath != "" {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return nil, err
		}
		dir = cfg.StateDir
	}
	return state.NewFileStore(hclog.NewNullLogger(), clock.New(), dir)
}

func formatDelta(delta map[string]any) string {
	if len(delta) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(delta))
	for k, v := range delta {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// formatKV renders key/value rows glued on "|".
func formatKV(in []string) string {
	columnConf := columnize.DefaultConfig()
	columnConf.Glue = " = "
	return columnize.Format(in, columnConf)
}
