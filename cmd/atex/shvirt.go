package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atex-project/atex/internal/helper"
	"github.com/atex-project/atex/internal/transport"
)

// shvirtCommand ports original_source/atex/cli/shvirt.py's two
// sub-commands: both exec --helper-exec as a child process and speak the
// same line-JSON protocol internal/helper.Channel already implements, so
// neither needs the pool/reservation bookkeeping internal/provisioner
// layers on top.
func shvirtCommand() *cobra.Command {
	var helperExec string

	cmd := &cobra.Command{
		Use:   "shvirt",
		Short: "Talk to an atex-virt-helper process directly",
	}
	cmd.PersistentFlags().StringVarP(&helperExec, "helper-exec", "e", "", "helper command to exec")
	_ = cmd.MarkPersistentFlagRequired("helper-exec")

	cmd.AddCommand(&cobra.Command{
		Use:   "reservations",
		Short: "List active domain reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return shvirtReservations(helperExec)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:                "virsh -- <args...>",
		Short:              "Run an arbitrary virsh command via the helper",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shvirtVirsh(helperExec, stripDashDash(args))
		},
	})

	return cmd
}

func stripDashDash(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}

func openHelperChannel(helperExec string) (*helper.Channel, *transport.Popen, error) {
	fields := strings.Fields(helperExec)
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("shvirt: --helper-exec needs to be provided")
	}
	popen, err := transport.StartPopen(transport.NewLocal(nil), fields)
	if err != nil {
		return nil, nil, fmt.Errorf("shvirt: spawn helper: %w", err)
	}
	return helper.New(popen, popen.Stdout), popen, nil
}

func shvirtReservations(helperExec string) error {
	channel, popen, err := openHelperChannel(helperExec)
	if err != nil {
		return err
	}
	defer popen.Terminate()

	reply, err := channel.Reservations()
	if err != nil {
		return fmt.Errorf("shvirt: reservations: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("shvirt: failed: %s", reply.ReplyString())
	}

	names := make([]string, 0, len(reply.Domains))
	width := 0
	for name := range reply.Domains {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-*s  %s\n", width, name, reply.Domains[name])
	}
	return nil
}

func shvirtVirsh(helperExec string, virshArgs []string) error {
	channel, popen, err := openHelperChannel(helperExec)
	if err != nil {
		return err
	}
	defer popen.Terminate()

	reply, err := channel.Virsh(virshArgs)
	if err != nil {
		return fmt.Errorf("shvirt: virsh: %w", err)
	}

	fmt.Print(reply.ReplyString())
	if !reply.Success {
		os.Exit(1)
	}
	return nil
}
