// ABOUTME: tunnelward-admin is the operator CLI for a running tunnelward server
// ABOUTME: Builds the cobra command tree and resolves server URL, token and output format

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tunnelward/internal/config"
)

var version = "dev"

const defaultServerURL = "http://localhost:8080"

// app holds the flag values and the state built in PersistentPreRunE.
type app struct {
	serverURL string
	token     string
	output    string
	timeout   time.Duration
	yes       bool

	client  *Client
	printer *printer
}

func tokenPath() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), "token")
}

// resolveToken picks the flag, then TUNNELWARD_TOKEN, then the token file
// written by bootstrap or login.
func resolveToken(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("TUNNELWARD_TOKEN"); env != "" {
		return env
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func resolveServer(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("TUNNELWARD_URL"); env != "" {
		return env
	}
	return defaultServerURL
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "tunnelward-admin",
		Short: "Manage a tunnelward server",
		Long: `tunnelward-admin talks to the tunnelward HTTP API to manage gateways,
access assignments, VPN configs, API keys, principals and the certificate
authority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !validFormat(a.output) {
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", a.output)
			}
			client, err := NewClient(resolveServer(a.serverURL), resolveToken(a.token), a.timeout)
			if err != nil {
				return err
			}
			a.client = client
			a.printer = &printer{format: a.output, out: cmd.OutOrStdout()}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.serverURL, "server", "", "server URL (default $TUNNELWARD_URL or "+defaultServerURL+")")
	flags.StringVar(&a.token, "token", "", "bearer token or API key (default $TUNNELWARD_TOKEN or the saved token)")
	flags.StringVarP(&a.output, "output", "o", formatTable, "output format: table, json, yaml")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVar(&a.yes, "yes", false, "skip confirmation prompts for destructive operations")

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(a),
		newMeCmd(a),
		newStatusCmd(a),
		newGatewaysCmd(a),
		newAssignmentsCmd(a),
		newConfigsCmd(a),
		newKeysCmd(a),
		newPrincipalsCmd(a),
		newCACmd(a),
		newAuditCmd(a),
		newRevocationsCmd(a),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tunnelward-admin %s\n", version)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == 401 {
			fmt.Fprintln(os.Stderr, color.YellowString("Not logged in or token expired. Run: tunnelward-admin login"))
		}
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
