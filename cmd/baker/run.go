package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/baker/internal/provider"
	"github.com/jbweber/baker/internal/vm"
)

// runMachine opens a session, runs op and reports the resulting machine.
func runMachine(cmd *cobra.Command, mode libvirtMode, what string, op func(*vm.Orchestrator, context.Context) (*vm.Handle, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx, mode)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := op(s.orch, ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case h.SSH.IsZero():
		fmt.Fprintf(out, "✓ %s: using %s\n", what, h.Name)
	case h.Installed:
		fmt.Fprintf(out, "✓ %s %s installed (%s@%s)\n", what, h.Name, h.SSH.User, h.SSH.Address())
	default:
		fmt.Fprintf(out, "✓ %s %s is running (%s@%s)\n", what, h.Name, h.SSH.User, h.SSH.Address())
	}
	return nil
}

// describe turns orchestrator errors into the message shown to the user.
func describe(err error) string {
	var (
		notInstalled *vm.ControlPlaneNotInstalledError
		startFailed  *vm.MachineStartFailedError
		queryFailed  *vm.ProviderQueryFailedError
		remoteFailed *vm.RemoteActionFailedError
	)
	switch {
	case errors.As(err, &notInstalled):
		return "Baker control machine is not installed. Run `baker setup` to install it."
	case errors.As(err, &startFailed):
		return fmt.Sprintf("failed to start the %s machine: %v", startFailed.Role, startFailed.Err)
	case errors.Is(err, provider.ErrNoBackend):
		return err.Error() + " (is libvirtd running?)"
	case errors.As(err, &queryFailed):
		return fmt.Sprintf("could not determine the state of %s: %v", queryFailed.Name, queryFailed.Err)
	case errors.As(err, &remoteFailed):
		msg := fmt.Sprintf("remote command failed with exit status %d: %s", remoteFailed.ExitCode, remoteFailed.Command)
		if out := strings.TrimSpace(remoteFailed.Output); out != "" {
			msg += "\n" + indent(out, "    ")
		}
		return msg
	}
	return err.Error()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
