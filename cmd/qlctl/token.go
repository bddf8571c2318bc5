package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/quorumledger/internal/identity"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Work with principal tokens",
}

var (
	tokSecret string
	tokIssuer string
	tokRoles  []string
	tokTTL    time.Duration
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <principal>",
	Short: "Mint a principal token signed with the server's token secret",
	Long: `Issue signs a token locally with the same HMAC secret ledgerd is
configured with (auth.token_secret). Pass --secret or set QLCTL_TOKEN_SECRET.`,
	Example: `  qlctl token issue alice --role approver --ttl 8h`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokSecret
		if secret == "" {
			secret = viper.GetString("token_secret")
		}
		if secret == "" {
			return identity.ErrNoSecret
		}
		for _, r := range tokRoles {
			switch r {
			case identity.RoleRequester, identity.RoleApprover, identity.RoleOperator:
			default:
				return fmt.Errorf("unknown role %q (requester, approver, operator)", r)
			}
		}

		issuer := identity.NewTokenIssuer([]byte(secret), tokIssuer, tokTTL)
		tok, err := issuer.Issue(args[0], tokRoles)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		out := cmd.OutOrStdout()
		if format == "json" {
			return printJSON(out, map[string]any{
				"token":      tok,
				"principal":  args[0],
				"roles":      tokRoles,
				"expires_in": int64(tokTTL / time.Second),
			})
		}
		fmt.Fprintln(out, tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "principal=%s roles=%s expires in %s\n",
			args[0], strings.Join(tokRoles, ","), tokTTL)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokSecret, "secret", "", "HMAC secret (default $QLCTL_TOKEN_SECRET)")
	tokenIssueCmd.Flags().StringVar(&tokIssuer, "issuer", "quorumledger", "Token issuer (must match auth.issuer)")
	tokenIssueCmd.Flags().StringSliceVar(&tokRoles, "role", nil, "Role to include (repeatable)")
	tokenIssueCmd.Flags().DurationVar(&tokTTL, "ttl", time.Hour, "Token lifetime")

	tokenCmd.AddCommand(tokenIssueCmd)
}
