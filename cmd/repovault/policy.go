package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/repovault/repovault/internal/cleanup"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage cleanup policies",
		Long: `Manage cleanup policies on a running node.

Policies are YAML (or JSON) documents:

  name: stale-snapshots
  format: maven2
  mode: delete          # delete | clean
  criteria:
    lastDownloaded: "30"

A replace sends the whole document and must carry the version it was read
at; a concurrent change makes it fail.

Examples:
  repovault policy create -f stale-snapshots.yaml
  repovault policy get stale-snapshots > p.yaml
  repovault policy replace -f p.yaml
  repovault policy delete stale-snapshots`,
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cleanup policies",
		Args:    cobra.NoArgs,
		RunE:    runPolicyList,
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Print a cleanup policy as YAML",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyGet,
	})

	var file string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cleanup policy from a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyWrite(cmd, file, false)
		},
	}
	replaceCmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace a cleanup policy with the document in a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyWrite(cmd, file, true)
		},
	}
	for _, c := range []*cobra.Command{createCmd, replaceCmd} {
		c.Flags().StringVarP(&file, "file", "f", "", "policy document (YAML or JSON)")
		_ = c.MarkFlagRequired("file")
		policyCmd.AddCommand(c)
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a cleanup policy",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), http.MethodDelete, policyPath(args[0]), nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted policy %s\n", args[0])
			return nil
		},
	})

	return policyCmd
}

func policyPath(name string) string {
	return "/policies/" + url.PathEscape(name)
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	var policies []cleanup.Policy
	if err := client.do(cmd.Context(), http.MethodGet, "/policies", nil, &policies); err != nil {
		return err
	}
	if len(policies) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No cleanup policies.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tFORMAT\tMODE\tCRITERIA\tVERSION")
	for _, p := range policies {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.Name, p.Format, p.Mode, formatCriteria(p.Criteria), p.Version)
	}
	return w.Flush()
}

func formatCriteria(criteria map[string]string) string {
	if len(criteria) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + criteria[k]
	}
	return strings.Join(parts, ",")
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	var p cleanup.Policy
	if err := client.do(cmd.Context(), http.MethodGet, policyPath(args[0]), nil, &p); err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	return enc.Close()
}

// readPolicyFile decodes a policy document. JSON is valid YAML.
func readPolicyFile(path string) (cleanup.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cleanup.Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p cleanup.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return cleanup.Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	return p, nil
}

func runPolicyWrite(cmd *cobra.Command, file string, replace bool) error {
	p, err := readPolicyFile(file)
	if err != nil {
		return err
	}
	if p.Name == "" {
		return errors.New("policy file has no name")
	}
	if replace && p.Version == 0 {
		return fmt.Errorf("policy file has no version; fetch it with 'repovault policy get %s' and edit that", p.Name)
	}

	client, err := newAdminClient()
	if err != nil {
		return err
	}

	var saved cleanup.Policy
	if replace {
		err = client.do(cmd.Context(), http.MethodPut, policyPath(p.Name), p, &saved)
	} else {
		err = client.do(cmd.Context(), http.MethodPost, "/policies", p, &saved)
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict && replace {
		return fmt.Errorf("policy %s changed since version %d was read; fetch it again: %w", p.Name, p.Version, err)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved policy %s at version %d\n", saved.Name, saved.Version)
	return nil
}
