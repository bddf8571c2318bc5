package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/quorumledger/pkg/client"
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval", "ap"},
	Short:   "Create and drive M-of-N approval requests",
}

func init() {
	approvalsCmd.AddCommand(apCreateCmd)
	approvalsCmd.AddCommand(apGetCmd)
	approvalsCmd.AddCommand(apListCmd)
	approvalsCmd.AddCommand(apDecideCmd)
	approvalsCmd.AddCommand(apExecuteCmd)
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	apAction      string
	apSubjectType string
	apSubjectID   string
	apDetails     string
	apRequired    int
	apTTL         time.Duration
)

var apCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open an approval request for a privileged action",
	Example: `  qlctl approvals create --action records.export --subject dataset/customers \
    --required 2 --ttl 4h --details '{"rows":12000}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := client.CreateApprovalRequest{
			Action:            apAction,
			SubjectType:       apSubjectType,
			SubjectID:         apSubjectID,
			RequiredApprovals: apRequired,
			TTLSeconds:        int64(apTTL / time.Second),
		}
		if apDetails != "" {
			if !json.Valid([]byte(apDetails)) {
				return fmt.Errorf("--details is not valid JSON")
			}
			in.Details = json.RawMessage(apDetails)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.CreateApproval(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("create approval: %w", err)
		}
		return printApproval(cmd.OutOrStdout(), r)
	},
}

func init() {
	apCreateCmd.Flags().StringVar(&apAction, "action", "", "Gated action name (required)")
	apCreateCmd.Flags().StringVar(&apSubjectType, "subject-type", "", "Type of the affected subject")
	apCreateCmd.Flags().StringVar(&apSubjectID, "subject-id", "", "ID of the affected subject")
	apCreateCmd.Flags().StringVar(&apDetails, "details", "", "Action parameters as a JSON document")
	apCreateCmd.Flags().IntVar(&apRequired, "required", 1, "Approvals needed (M)")
	apCreateCmd.Flags().DurationVar(&apTTL, "ttl", 0, "Time to decide (0 = server default)")
	_ = apCreateCmd.MarkFlagRequired("action")
}

// ── get ──────────────────────────────────────────────────────────────────────

var apGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an approval request and its decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.GetApproval(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get approval: %w", err)
		}
		return printApproval(cmd.OutOrStdout(), r)
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var apListOpts client.ListApprovalsOptions

var apListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rs, err := c.ListApprovals(cmd.Context(), apListOpts)
		if err != nil {
			return fmt.Errorf("list approvals: %w", err)
		}

		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, rs)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tREQUESTER\tSTATUS\tVOTES\tEXPIRES")
		for _, r := range rs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				r.ID, r.Action, r.Requester, r.Status, approvals(r), r.RequiredApprovals,
				r.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	apListCmd.Flags().StringVar(&apListOpts.Status, "status", "", "Filter by status (pending, approved, rejected, expired, executed)")
	apListCmd.Flags().StringVar(&apListOpts.Requester, "requester", "", "Filter by requester")
	apListCmd.Flags().IntVar(&apListOpts.Limit, "limit", 50, "Page size")
	apListCmd.Flags().IntVar(&apListOpts.Offset, "offset", 0, "Page offset")
}

// ── decide ───────────────────────────────────────────────────────────────────

var (
	apApprove bool
	apReject  bool
	apReason  string
)

var apDecideCmd = &cobra.Command{
	Use:   "decide <id> --approve|--reject",
	Short: "Record your vote on an approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if apApprove == apReject {
			return fmt.Errorf("pass exactly one of --approve or --reject")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Decide(cmd.Context(), args[0], apApprove, apReason)
		if err != nil {
			return fmt.Errorf("decide: %w", err)
		}
		return printApproval(cmd.OutOrStdout(), r)
	},
}

func init() {
	apDecideCmd.Flags().BoolVar(&apApprove, "approve", false, "Approve the request")
	apDecideCmd.Flags().BoolVar(&apReject, "reject", false, "Reject the request")
	apDecideCmd.Flags().StringVar(&apReason, "reason", "", "Reason recorded with the vote")
}

// ── execute ──────────────────────────────────────────────────────────────────

var apExecuteCmd = &cobra.Command{
	Use:   "execute <id>",
	Short: "Run the gated action of an approved request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Execute(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		return printApproval(cmd.OutOrStdout(), r)
	},
}

// ── output ───────────────────────────────────────────────────────────────────

func approvals(r client.ApprovalRequest) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Approved {
			n++
		}
	}
	return n
}

func printApproval(w io.Writer, r *client.ApprovalRequest) error {
	if format == "json" {
		return printJSON(w, r)
	}
	fmt.Fprintf(w, "ID:        %s\n", r.ID)
	fmt.Fprintf(w, "Action:    %s\n", r.Action)
	if r.SubjectType != "" || r.SubjectID != "" {
		fmt.Fprintf(w, "Subject:   %s/%s\n", r.SubjectType, r.SubjectID)
	}
	fmt.Fprintf(w, "Requester: %s\n", r.Requester)
	fmt.Fprintf(w, "Status:    %s (%d/%d approvals)\n", r.Status, approvals(*r), r.RequiredApprovals)
	fmt.Fprintf(w, "Expires:   %s\n", r.ExpiresAt.Format(time.RFC3339))
	if len(r.Details) > 0 && string(r.Details) != "null" {
		fmt.Fprintf(w, "Details:   %s\n", r.Details)
	}
	if r.ExecutedAt != nil {
		fmt.Fprintf(w, "Executed:  %s by %s\n", r.ExecutedAt.Format(time.RFC3339), r.ExecutedBy)
	}
	if len(r.ExecutionResult) > 0 {
		fmt.Fprintf(w, "Result:    %s\n", r.ExecutionResult)
	}
	if len(r.Decisions) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "APPROVER\tVOTE\tAT\tREASON")
	for _, d := range r.Decisions {
		vote := "reject"
		if d.Approved {
			vote = "approve"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Approver, vote, d.DecidedAt.Format(time.RFC3339), d.Reason)
	}
	return tw.Flush()
}
