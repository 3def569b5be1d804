// Vigil
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/config"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

const appHelp = `Vigil login risk administration tool

The vigil tool exercises the risk core against a deployment's
configuration: it resolves addresses through the layered ASN pipeline,
geolocates them against the local GeoIP databases and runs one-shot
maintenance such as the stale ASN entry sweep.`

var plog = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentCLI)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

type cliFlags struct {
	// configPath is the configuration file, none when empty.
	configPath string
	// debug forces debug logging regardless of the configured severity.
	debug bool
}

// Run parses the command line and executes the selected command.
func Run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var flags cliFlags
	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Vigil login risk administration tool",
		Long:          appHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a configuration file")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		newVersionCommand(),
		newASNCommand(&flags),
		newGeoCommand(&flags),
	)
	root.SetArgs(args)
	return trace.Wrap(root.ExecuteContext(ctx))
}

// loadConfig reads the configuration and installs the process logger. Every
// command calls it before touching any component.
func loadConfig(flags *cliFlags) (*config.FileConfig, error) {
	fc := &config.FileConfig{}
	if flags.configPath != "" {
		var err error
		fc, err = config.ReadFromFile(flags.configPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	severity := fc.Log.Severity
	if flags.debug {
		severity = "debug"
	}
	if _, err := logutils.Initialize(logutils.Config{Severity: severity}); err != nil {
		return nil, trace.Wrap(err)
	}
	if flags.configPath != "" {
		plog.DebugContext(context.Background(), "Loaded configuration", "path", flags.configPath)
	}
	return fc, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of this vigil binary",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Vigil v%v %v %v/%v\n", vigil.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
