package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/repovault/repovault/internal/admin"
	"github.com/repovault/repovault/internal/freeze"
	"github.com/repovault/repovault/internal/purge"
	"github.com/repovault/repovault/internal/quorum"
	"github.com/repovault/repovault/internal/quota"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show freeze and quorum state of a running node",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	var status admin.StatusResponse
	if err := client.do(cmd.Context(), http.MethodGet, "/status", nil, &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Node:    %s\n", status.Node)
	if status.Frozen {
		_, _ = fmt.Fprintf(out, "Frozen:  yes (%d requests)\n", len(status.FreezeRequests))
	} else {
		_, _ = fmt.Fprintln(out, "Frozen:  no")
	}
	switch {
	case status.QuorumError != "":
		_, _ = fmt.Fprintf(out, "Quorum:  unknown (%s)\n", status.QuorumError)
	case status.Quorum != nil:
		_, _ = fmt.Fprintf(out, "Quorum:  %s\n", describeQuorum(*status.Quorum))
	}

	if len(status.FreezeRequests) > 0 {
		_, _ = fmt.Fprintln(out)
		printFreezeRequests(cmd, status.FreezeRequests)
	}
	return nil
}

func describeQuorum(s quorum.Status) string {
	state := "present"
	if !s.QuorumPresent {
		state = "LOST"
	}
	db := s.DatabaseName
	if db == "" {
		db = "single node"
	}
	return fmt.Sprintf("%s (%s, %d online, %d required)", state, db, len(s.OnlineNodes), s.WriteQuorum)
}

func newQuorumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quorum",
		Short: "Check write quorum; exits non-zero when quorum is lost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var status admin.StatusResponse
			if err := client.do(cmd.Context(), http.MethodGet, "/status", nil, &status); err != nil {
				return err
			}
			if status.QuorumError != "" {
				return fmt.Errorf("quorum unknown: %s", status.QuorumError)
			}
			if status.Quorum == nil {
				return errors.New("node does not report quorum")
			}

			q := *status.Quorum
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "DATABASE\tONLINE\tWRITE QUORUM\tPRESENT")
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", valueOr(q.DatabaseName, "-"), strings.Join(q.OnlineNodes, ","), q.WriteQuorum, q.QuorumPresent)
			_ = w.Flush()

			if !q.QuorumPresent {
				return fmt.Errorf("write quorum lost for database %s", q.DatabaseName)
			}
			return nil
		},
	}
}

func newFreezeCmd() *cobra.Command {
	freezeCmd := &cobra.Command{
		Use:   "freeze",
		Short: "Manage freeze requests",
		Long: `Manage freeze requests on a running node. While any request is active,
every store on the node is read-only.

Examples:
  repovault freeze request --initiator maintenance
  repovault freeze list
  repovault freeze release --initiator maintenance
  repovault freeze release-all`,
	}

	var (
		initiator string
		system    bool
	)
	initiatorType := func() freeze.InitiatorType {
		if system {
			return freeze.SystemInitiated
		}
		return freeze.UserInitiated
	}

	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Add a freeze request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var req freeze.Request
			body := admin.FreezeRequestBody{Initiator: initiator, InitiatorType: initiatorType()}
			if err := client.do(cmd.Context(), http.MethodPost, "/freeze", body, &req); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Frozen by %s %s since %s\n",
				req.InitiatorType, req.Initiator, req.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release",
		Short: "Remove a freeze request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var resp struct {
				Frozen bool `json:"frozen"`
			}
			body := admin.FreezeRequestBody{Initiator: initiator, InitiatorType: initiatorType()}
			if err := client.do(cmd.Context(), http.MethodDelete, "/freeze", body, &resp); err != nil {
				return err
			}
			if resp.Frozen {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Released; other freeze requests keep the node frozen")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Released; node is writable")
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{requestCmd, releaseCmd} {
		c.Flags().StringVar(&initiator, "initiator", "", "who or what holds the freeze")
		c.Flags().BoolVar(&system, "system", false, "mark the request as system initiated")
		_ = c.MarkFlagRequired("initiator")
		freezeCmd.AddCommand(c)
	}

	freezeCmd.AddCommand(&cobra.Command{
		Use:   "release-all",
		Short: "Remove every freeze request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var removed []freeze.Request
			if err := client.do(cmd.Context(), http.MethodPost, "/freeze/release-all", nil, &removed); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released %d freeze requests\n", len(removed))
			return nil
		},
	})

	freezeCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List active freeze requests",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var requests []freeze.Request
			if err := client.do(cmd.Context(), http.MethodGet, "/freeze", nil, &requests); err != nil {
				return err
			}
			if len(requests) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No active freeze requests.")
				return nil
			}
			printFreezeRequests(cmd, requests)
			return nil
		},
	})

	return freezeCmd
}

func printFreezeRequests(cmd *cobra.Command, requests []freeze.Request) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tINITIATOR\tSINCE")
	for _, r := range requests {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.InitiatorType, r.Initiator, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Freeze the node, snapshot every store and release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var resp struct {
				Files []string `json:"files"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/backup", nil, &resp); err != nil {
				return err
			}
			for _, f := range resp.Files {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge <repository>",
		Short: "Delete stale components and assets from a repository",
		Long: `Delete components and standalone assets of a repository that were last
downloaded (or, never downloaded, created) more than --older-than days ago.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var stats purge.Stats
			body := admin.PurgeRequestBody{Repository: args[0], OlderThanDays: days}
			if err := client.do(cmd.Context(), http.MethodPost, "/purge", body, &stats); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d components and %d assets in %d batches\n",
				stats.ComponentsDeleted, stats.AssetsDeleted, stats.Batches)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "older-than", 0, "age in days")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

func newQuotaCmd() *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Blob store quotas",
	}
	quotaCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Evaluate every blob store quota now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			var results []quota.Result
			if err := client.do(cmd.Context(), http.MethodGet, "/quota", nil, &results); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "STORE\tVIOLATED\tMESSAGE")
			for _, r := range results {
				_, _ = fmt.Fprintf(w, "%s\t%t\t%s\n", r.StoreName, r.Violated, valueOr(r.Message, "-"))
			}
			return w.Flush()
		},
	})
	return quotaCmd
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
