package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/quorumledger/pkg/client"
)

var grantsCmd = &cobra.Command{
	Use:     "grants",
	Aliases: []string{"grant"},
	Short:   "Issue, inspect and revoke JIT access grants",
}

func init() {
	grantsCmd.AddCommand(grCreateCmd)
	grantsCmd.AddCommand(grGetCmd)
	grantsCmd.AddCommand(grListCmd)
	grantsCmd.AddCommand(grRevokeCmd)
}

var (
	grPermissions []string
	grTTL         time.Duration
	grReason      string
)

var grCreateCmd = &cobra.Command{
	Use:   "create <approval-id>",
	Short: "Turn an approved request into a time-boxed grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		g, err := c.Grant(cmd.Context(), args[0], grPermissions, grTTL)
		if err != nil {
			return fmt.Errorf("grant: %w", err)
		}
		return printGrant(cmd.OutOrStdout(), g, nil)
	},
}

func init() {
	grCreateCmd.Flags().StringSliceVar(&grPermissions, "permission", nil, "Permission to grant (repeatable)")
	grCreateCmd.Flags().DurationVar(&grTTL, "ttl", time.Hour, "Grant lifetime")
	_ = grCreateCmd.MarkFlagRequired("permission")
}

var grGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a grant and whether it is active now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.GetGrant(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get grant: %w", err)
		}
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), st)
		}
		return printGrant(cmd.OutOrStdout(), &st.Grant, &st.Active)
	},
}

var grListCmd = &cobra.Command{
	Use:   "list <subject>",
	Short: "List the active grants of a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		gs, err := c.ListActiveGrants(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list grants: %w", err)
		}

		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, gs)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPERMISSIONS\tEXPIRES\tAPPROVAL")
		for _, g := range gs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				g.ID, strings.Join(g.Permissions, ","), g.ExpiresAt.Format(time.RFC3339), g.ApprovalRequestID)
		}
		return w.Flush()
	},
}

var grRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "End a grant before it expires",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		g, err := c.Revoke(cmd.Context(), args[0], grReason)
		if err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		return printGrant(cmd.OutOrStdout(), g, nil)
	},
}

func init() {
	grRevokeCmd.Flags().StringVar(&grReason, "reason", "", "Reason recorded in the ledger")
}

// printGrant prints g. active is shown when known.
func printGrant(w io.Writer, g *client.Grant, active *bool) error {
	if format == "json" {
		return printJSON(w, g)
	}
	fmt.Fprintf(w, "ID:          %s\n", g.ID)
	fmt.Fprintf(w, "Subject:     %s\n", g.Subject)
	fmt.Fprintf(w, "Permissions: %s\n", strings.Join(g.Permissions, ", "))
	fmt.Fprintf(w, "Approval:    %s\n", g.ApprovalRequestID)
	fmt.Fprintf(w, "Expires:     %s\n", g.ExpiresAt.Format(time.RFC3339))
	if active != nil {
		fmt.Fprintf(w, "Active:      %t\n", *active)
	}
	if g.Revoked {
		at := ""
		if g.RevokedAt != nil {
			at = g.RevokedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "Revoked:     %s by %s", at, g.RevokedBy)
		if g.RevokeReason != "" {
			fmt.Fprintf(w, " (%s)", g.RevokeReason)
		}
		fmt.Fprintln(w)
	}
	return nil
}
