package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProfilesCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List saved connection profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tTARGET\tKEY\tSESSION")
			for _, entry := range cfg.Profiles {
				p := entry.Profile()
				session := p.RemoteSession
				if session == "" {
					session = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s@%s:%d\t%s\t%s\n", p.ID, p.Name, p.Username, p.Hostname, p.Port, p.KeyName, session)
			}
			return tw.Flush()
		},
	}
}
