package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ptyhive/internal/session"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags(), clientFlags)
			if err != nil {
				return err
			}

			var infos []session.Info
			if err := getJSON(cfg, "/sessions", &infos); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			return printSessions(cmd.OutOrStdout(), infos, time.Now())
		},
	}

	cmd.Flags().String("server", "", "server address or URL (default server.addr)")
	cmd.Flags().String("token", "", "bearer token")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func printSessions(w io.Writer, infos []session.Info, now time.Time) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tSTATE\tPID\tSIZE\tAGE\tOUTPUT\tCOMMAND")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dx%d\t%s\t%d\t%s\n",
			info.ID,
			info.Label,
			info.State,
			info.Pid,
			info.Cols, info.Rows,
			now.Sub(info.CreatedAt).Truncate(time.Second),
			info.Offset,
			strings.Join(info.Command, " "),
		)
	}
	return tw.Flush()
}
