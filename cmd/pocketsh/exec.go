package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pocketsh/schema"
)

func newExecCmd(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <profile> -- <command>",
		Short: "Run one command on a saved profile and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openProfile(cmd, *cfgPath, args[0])
			if err != nil {
				return err
			}
			defer closeClient(cmd.Context(), client)

			ctx := cmd.Context()
			command := strings.Join(args[1:], " ")
			var res *schema.CommandResult
			if timeout > 0 {
				res, err = client.Session().ExecuteCommand(ctx, command, timeout)
				if err == nil && res == nil {
					err = schema.ErrNotConnected
				}
			} else {
				res, err = client.Exec(ctx, command)
			}
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "command timeout (default from config)")
	return cmd
}

// writeResult prints captured output and turns a non-zero status into an
// exitCodeError. Timeouts exit 124 like timeout(1).
func writeResult(stdout, stderr io.Writer, res *schema.CommandResult) error {
	if _, err := io.WriteString(stdout, res.Stdout); err != nil {
		return err
	}
	_, _ = io.WriteString(stderr, res.Stderr)
	if res.TimedOut {
		_, _ = fmt.Fprintln(stderr, "pocketsh: command timed out")
		return exitCodeError{code: 124}
	}
	if res.ExitCode != 0 {
		code := res.ExitCode
		if code < 0 {
			code = 255
		}
		return exitCodeError{code: code}
	}
	return nil
}

func connectFailure(state schema.ConnectionState) error {
	if state.Message != "" {
		return errors.New(state.Message)
	}
	return fmt.Errorf("connect failed: %s", state.Status)
}
