// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the meta-options and functionality that nearly every
// taskforge command inherits.
type Meta struct {
	Ui cli.Ui

	// configPath is set by the -config flag.
	configPath string

	// logLevel is set by the -log-level flag.
	logLevel string
}

// FlagSet returns a FlagSet with the common flags every command implements.
func (m *Meta) FlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringVar(&m.configPath, "config", "", "")
	f.StringVar(&m.logLevel, "log-level", "INFO", "")
	return f
}

func generalOptionsUsage() string {
	return `
  -config=<path>
    Path to the JSON configuration file.

  -log-level=<level>
    Log verbosity: TRACE, DEBUG, INFO, WARN or ERROR. Defaults to INFO.`
}
