package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pocketsh"
	"pkt.systems/pocketsh/schema"
)

func newSessionsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage tmux sessions on a saved profile",
	}
	cmd.AddCommand(newSessionsListCmd(cfgPath))
	cmd.AddCommand(newSessionsKillCmd(cfgPath))
	return cmd
}

func newSessionsListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <profile>",
		Short: "List tmux sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openProfile(cmd, *cfgPath, args[0])
			if err != nil {
				return err
			}
			defer closeClient(cmd.Context(), client)
			sessions, err := client.RemoteSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tWINDOWS\tATTACHED\tCREATED")
			for _, s := range sessions {
				created := "-"
				if !s.Created.IsZero() {
					created = s.Created.Local().Format(time.DateTime)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", s.Name, s.Windows, s.Attached, created)
			}
			return tw.Flush()
		},
	}
}

func newSessionsKillCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <profile> <session>",
		Short: "Kill a tmux session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openProfile(cmd, *cfgPath, args[0])
			if err != nil {
				return err
			}
			defer closeClient(cmd.Context(), client)
			if err := client.KillRemoteSession(cmd.Context(), args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", args[1])
			return err
		},
	}
}

// openProfile builds a client and connects it to profile without a bridge.
func openProfile(cmd *cobra.Command, cfgPath, profile string) (*pocketsh.Client, error) {
	client, err := openClient(cmd, cfgPath)
	if err != nil {
		return nil, err
	}
	state, err := client.Open(cmd.Context(), schema.ProfileID(profile))
	if err == nil && !state.IsConnected() {
		err = connectFailure(state)
	}
	if err != nil {
		closeClient(cmd.Context(), client)
		return nil, err
	}
	return client, nil
}
