package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/quorumledger/pkg/client"
)

// errChainBroken makes `qlctl verify` exit non-zero on a broken chain.
var errChainBroken = errors.New("ledger chain is broken")

// ── verify ───────────────────────────────────────────────────────────────────

var verifyFrom, verifyTo int64

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the hash chain and report the first broken entry",
	Long: `Verify asks the server to recompute every digest in [--from, --to] and
check each entry links to its predecessor. Exits non-zero when the chain is
broken.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Verify(cmd.Context(), verifyFrom, verifyTo)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		out := cmd.OutOrStdout()
		if format == "json" {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			printVerification(out, res)
		}
		if !res.Valid {
			return errChainBroken
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 1, "First sequence to verify")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last sequence to verify (0 = tail)")
}

func printVerification(w io.Writer, res *client.VerificationResult) {
	if res.Valid {
		fmt.Fprintf(w, "✓ chain valid: %d entries checked [%d..%d]\n", res.Checked, res.From, res.To)
		return
	}
	at := int64(0)
	if res.BrokenAt != nil {
		at = *res.BrokenAt
	}
	fmt.Fprintf(w, "✗ chain broken at sequence %d: %s (%d entries verified before it)\n", at, res.Reason, res.Checked)
}

// ── entries ──────────────────────────────────────────────────────────────────

var entriesFrom, entriesTo int64

var entriesCmd = &cobra.Command{
	Use:   "entries [sequence]",
	Short: "List ledger entries, or show one entry by sequence",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			var seq int64
			if _, err := fmt.Sscan(args[0], &seq); err != nil {
				return fmt.Errorf("invalid sequence %q", args[0])
			}
			e, err := c.Entry(cmd.Context(), seq)
			if err != nil {
				return fmt.Errorf("get entry: %w", err)
			}
			if format == "json" {
				return printJSON(out, e)
			}
			printEntry(out, e)
			return nil
		}

		var all []client.Entry
		from := entriesFrom
		for {
			page, err := c.Entries(cmd.Context(), from, entriesTo)
			if err != nil {
				return fmt.Errorf("list entries: %w", err)
			}
			all = append(all, page.Entries...)
			if page.NextFrom == 0 {
				break
			}
			from = page.NextFrom
		}
		if format == "json" {
			return printJSON(out, all)
		}
		return printEntryTable(out, all)
	},
}

func init() {
	entriesCmd.Flags().Int64Var(&entriesFrom, "from", 1, "First sequence")
	entriesCmd.Flags().Int64Var(&entriesTo, "to", 0, "Last sequence (0 = tail)")
}

func printEntry(w io.Writer, e *client.Entry) {
	fmt.Fprintf(w, "Sequence:  %d\n", e.Sequence)
	fmt.Fprintf(w, "Time:      %s\n", e.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Actor:     %s\n", e.Actor)
	fmt.Fprintf(w, "Action:    %s\n", e.Action)
	fmt.Fprintf(w, "Subject:   %s/%s\n", e.SubjectType, e.SubjectID)
	fmt.Fprintf(w, "Changes:   %s\n", e.Changes)
	fmt.Fprintf(w, "Previous:  %s\n", e.PreviousDigest)
	fmt.Fprintf(w, "Digest:    %s\n", e.Digest)
}

func printEntryTable(w io.Writer, entries []client.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tACTION\tSUBJECT\tDIGEST")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.Timestamp.Format(time.RFC3339), e.Actor, e.Action,
			strings.Trim(e.SubjectType+"/"+e.SubjectID, "/"), shortDigest(e.Digest))
	}
	return tw.Flush()
}

func shortDigest(d string) string {
	if len(d) <= 12 {
		return d
	}
	return d[:12]
}

// ── tail ─────────────────────────────────────────────────────────────────────

var (
	tailN        int64
	tailFollow   bool
	tailInterval time.Duration
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest ledger entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		ov, err := c.Overview(ctx)
		if err != nil {
			return fmt.Errorf("read tail: %w", err)
		}
		if format == "json" && !tailFollow {
			return printJSON(out, ov)
		}
		fmt.Fprintf(out, "entries: %d  tail: %s\n\n", ov.Entries, ov.TailDigest)

		next := max(ov.Entries-tailN+1, 1)
		for {
			page, err := c.Entries(ctx, next, 0)
			if err != nil {
				return fmt.Errorf("list entries: %w", err)
			}
			if len(page.Entries) > 0 {
				if format == "json" {
					for _, e := range page.Entries {
						if err := printJSON(out, e); err != nil {
							return err
						}
					}
				} else if err := printEntryTable(out, page.Entries); err != nil {
					return err
				}
				next = page.Entries[len(page.Entries)-1].Sequence + 1
			}
			if !tailFollow {
				return nil
			}
			if page.NextFrom != 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tailInterval):
			}
		}
	},
}

func init() {
	tailCmd.Flags().Int64VarP(&tailN, "lines", "n", 10, "Number of entries to show")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep polling for new entries")
	tailCmd.Flags().DurationVar(&tailInterval, "interval", 2*time.Second, "Poll interval with --follow")
}
