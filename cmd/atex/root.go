package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atex-project/atex/internal/atexlog"
)

// Execute runs the atex CLI, mirroring vmshed's cmd.Execute(): set up the
// shared logrus formatter, build the root command, run it, and turn any
// returned error into a fatal log line (non-zero exit).
func Execute() {
	log.SetFormatter(atexlog.StandardFormatter())

	if err := rootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "atex",
		Short:         "Run FMF test suites against provisioned libvirt domains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand())
	root.AddCommand(shvirtCommand())
	return root
}
