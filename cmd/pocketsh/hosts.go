package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pocketsh/internal/hostkeys"
	"pkt.systems/pslog"
)

func newHostsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage trusted host keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "forget <host>",
		Short: "Remove recorded keys for a host (host or [host]:port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgPath)
			if err != nil {
				return err
			}
			verifier, err := hostkeys.NewVerifier(cfg.SSH.KnownHostsPath, hostkeys.Policy(cfg.SSH.HostKeyPolicy), nil, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			removed, err := verifier.Forget(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries for %s\n", removed, args[0])
			return err
		},
	})
	return cmd
}
