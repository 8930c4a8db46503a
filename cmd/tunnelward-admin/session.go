// ABOUTME: Session commands: login, me, me routes and server status
// ABOUTME: login stores the session token next to the server config for later commands

package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/api"
)

// confirm asks before a destructive operation unless --yes was given.
func (a *app) confirm(cmd *cobra.Command, question string) error {
	if a.yes {
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errors.New("aborted")
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(value string, now time.Time) (string, error) {
	if value == "" {
		return "", nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return now.Add(-d).UTC().Format(time.RFC3339), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", fmt.Errorf("%q is neither a duration nor an RFC3339 timestamp", value)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func newLoginCmd(a *app) *cobra.Command {
	var email, password string
	var save bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with a local account and save the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email flag is required")
			}
			if password == "" {
				password = os.Getenv("TUNNELWARD_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimSpace(line)
			}

			var session api.SessionResponse
			req := api.LoginRequest{Email: email, Password: password}
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/auth/login", req, &session); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s (session expires %s)\n", session.Principal.Email, session.ExpiresAt)
			if !save {
				fmt.Fprintln(out, session.Token)
				return nil
			}
			path := tokenPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("creating token directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(session.Token), 0o600); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			fmt.Fprintf(out, "Token saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $TUNNELWARD_PASSWORD or prompt)")
	cmd.Flags().BoolVar(&save, "save", true, "save the token for later commands")
	return cmd
}

func principalFields(p *api.PrincipalResponse) table {
	return fields(
		"ID", p.ID,
		"Email", p.Email,
		"Name", p.Name,
		"Source", p.Source,
		"Groups", orDash(strings.Join(p.Groups, ", ")),
		"Admin", yesNo(p.IsAdmin),
		"Active", yesNo(p.IsActive),
		"Last login", orDashPtr(p.LastLoginAt),
	)
}

func newMeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "me",
		Short: "Show the authenticated principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p api.PrincipalResponse
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/me", nil, &p); err != nil {
				return err
			}
			return a.printer.print(p, func() table { return principalFields(&p) })
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "routes",
		Short: "Show what the authenticated principal can reach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum access.Summary
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/me/routes", nil, &sum); err != nil {
				return err
			}
			return a.printer.print(sum, func() table { return summaryTable(&sum) })
		},
	})
	return cmd
}

func summaryTable(sum *access.Summary) table {
	t := table{headers: []string{"TYPE", "ID", "NAME", "ENDPOINT", "ONLINE", "ROUTES"}}
	for _, g := range sum.Gateways {
		t.add("gateway", g.ID, g.Name, g.Address, yesNo(g.Online), orDash(strings.Join(g.Routes, ",")))
	}
	for _, h := range sum.MeshHubs {
		t.add("mesh_hub", h.ID, h.Name, h.Endpoint, yesNo(h.Online), orDash(strings.Join(h.Routes, ",")))
	}
	for _, p := range sum.ProxyApps {
		t.add("proxy_app", p.ID, p.Name, p.Slug, "-", "-")
	}
	return t
}

// statusView is the combined output of the status command.
type statusView struct {
	Ready    bool                   `json:"ready"`
	Checks   map[string]string      `json:"checks"`
	Gateways []access.GatewayStatus `json:"gateways,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server readiness and gateway liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ready, err := a.client.Ready(cmd.Context())
			if err != nil {
				return err
			}
			view := statusView{Ready: ready.Ready, Checks: ready.Checks}

			var resp struct {
				Gateways []access.GatewayStatus `json:"gateways"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/status/gateways", nil, &resp); err != nil {
				return err
			}
			view.Gateways = resp.Gateways

			if a.printer.format != formatTable {
				return a.printer.print(view, nil)
			}

			out := cmd.OutOrStdout()
			state := color.GreenString("ready")
			if !view.Ready {
				state = color.RedString("not ready")
			}
			fmt.Fprintf(out, "Server: %s\n", state)
			names := make([]string, 0, len(view.Checks))
			for name := range view.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %s: %s\n", name, view.Checks[name])
			}
			fmt.Fprintln(out)

			t := table{headers: []string{"ID", "NAME", "ACTIVE", "ONLINE", "LAST HEARTBEAT"}}
			for _, g := range view.Gateways {
				last := "-"
				if g.LastHeartbeat != nil {
					last = g.LastHeartbeat.UTC().Format(time.RFC3339)
				}
				t.add(g.ID, g.Name, yesNo(g.IsActive), yesNo(g.Online), last)
			}
			return a.printer.table(t)
		},
	}
}
