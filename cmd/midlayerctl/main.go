// Command midlayerctl is the reference CLI wired directly against
// package midlayer: a `demo` subcommand exercises the whole facade
// end to end against an internal/loopback disk, and `serve-metrics`
// exports the live counters of a loopback disk of its own over
// Prometheus.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "devel"

	logLevel string

	cmdRoot = &cobra.Command{
		Use:              "midlayerctl [command]",
		Short:            "Reference CLI for the go-scsi-midlayer facade",
		PersistentPreRun: preRun,
	}

	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("midlayerctl version %s\n", version)
		},
	}
)

func preRun(cmd *cobra.Command, args []string) {
	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid --log-level")
	}
	log.SetLevel(lvl)
}

func init() {
	cmdRoot.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	cmdRoot.AddCommand(cmdVersion, cmdDemo, cmdServeMetrics)
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
