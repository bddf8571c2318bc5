package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/quorumledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	cfgFile   string
	format    string
	devAs     string
	devRoles  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qlctl",
	Short: "Quorum ledger CLI",
	Long: `qlctl talks to a ledgerd server.

It verifies and browses the audit ledger, drives M-of-N approval requests
through their lifecycle, and issues or revokes JIT access grants.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.qlctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("QLCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
		if devAs == "" {
			devAs = viper.GetString("as")
		}
		if format != "text" && format != "json" {
			return fmt.Errorf("unknown --format %q (text or json)", format)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.qlctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (env QLCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().StringVar(&devAs, "as", "", "Principal for servers in dev mode (sent as X-Principal)")
	rootCmd.PersistentFlags().StringVar(&devRoles, "roles", "", "Comma-separated roles for --as")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(grantsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client from the persistent flags.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if devAs != "" {
		var roles []string
		if devRoles != "" {
			roles = strings.Split(devRoles, ",")
		}
		opts = append(opts, client.WithDevPrincipal(devAs, roles...))
	}
	return client.New(serverURL, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the qlctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "qlctl %s\n", version)
	},
}
