// ABOUTME: Administrator commands: principals, bulk revocation, the CA and the audit log
// ABOUTME: Destructive operations prompt for confirmation unless --yes is given

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tunnelward/internal/api"
	"github.com/2389/tunnelward/internal/revocation"
)

func newPrincipalsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "principals",
		Aliases: []string{"users"},
		Short:   "Manage principals",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List principals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Principals []api.PrincipalResponse `json:"principals"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/principals", nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"ID", "EMAIL", "NAME", "SOURCE", "ADMIN", "ACTIVE", "GROUPS"}}
				for _, p := range resp.Principals {
					t.add(p.ID, p.Email, p.Name, p.Source, yesNo(p.IsAdmin), yesNo(p.IsActive), orDash(strings.Join(p.Groups, ",")))
				}
				return t
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p api.PrincipalResponse
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/principals/"+url.PathEscape(args[0]), nil, &p); err != nil {
				return err
			}
			return a.printer.print(p, func() table { return principalFields(&p) })
		},
	})

	var req api.CreatePrincipalRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a local principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Email == "" || req.Name == "" {
				return errors.New("--email and --name flags are required")
			}
			var p api.PrincipalResponse
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/principals", req, &p); err != nil {
				return err
			}
			return a.printer.print(p, func() table { return principalFields(&p) })
		},
	}
	create.Flags().StringVar(&req.Email, "email", "", "email address (required)")
	create.Flags().StringVar(&req.Name, "name", "", "display name (required)")
	create.Flags().StringVar(&req.Password, "password", "", "initial password, at least 12 characters")
	create.Flags().BoolVar(&req.IsAdmin, "admin", false, "grant administrator rights")
	cmd.AddCommand(create)

	var reason string
	revokeAll := &cobra.Command{
		Use:   "revoke-all <id>",
		Short: "Revoke every config and API key of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.confirm(cmd, fmt.Sprintf("Revoke all credentials of %s?", args[0])); err != nil {
				return err
			}
			var report revocation.Report
			path := "/api/v1/principals/" + url.PathEscape(args[0]) + "/revoke-all"
			if err := a.client.Do(cmd.Context(), http.MethodPost, path, api.RevokeRequest{Reason: reason}, &report); err != nil {
				return err
			}
			if err := a.printer.print(report, func() table { return reportTable(&report) }); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d credentials could not be revoked", report.Failed, report.Total)
			}
			return nil
		},
	}
	revokeAll.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	cmd.AddCommand(revokeAll)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke everything a principal holds and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.confirm(cmd, fmt.Sprintf("Delete principal %s and revoke all of its credentials?", args[0])); err != nil {
				return err
			}
			if err := a.client.Do(cmd.Context(), http.MethodDelete, "/api/v1/principals/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted principal %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func reportTable(r *revocation.Report) table {
	t := fields(
		"Total", strconv.Itoa(r.Total),
		"Revoked", strconv.Itoa(r.Succeeded),
		"Already revoked", strconv.Itoa(r.AlreadyRevoked),
		"Failed", strconv.Itoa(r.Failed),
	)
	for _, f := range r.Failures {
		t.add(color.RedString("failed:"), fmt.Sprintf("%s %s: %s", f.Kind, f.CredentialID, f.Error))
	}
	return t
}

func caFields(c *api.CAResponse) table {
	return fields(
		"ID", c.ID,
		"Subject", c.Subject,
		"Serial", c.Serial,
		"Fingerprint", c.Fingerprint,
		"Not before", c.NotBefore,
		"Not after", c.NotAfter,
		"Status", c.Status,
		"Source", c.Source,
		"Created by", c.CreatedBy,
	)
}

func newCACmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Inspect and rotate the certificate authority",
	}

	var pem bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var c api.CAResponse
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/ca", nil, &c); err != nil {
				return err
			}
			if pem {
				fmt.Fprint(cmd.OutOrStdout(), c.CertPEM)
				return nil
			}
			return a.printer.print(c, func() table { return caFields(&c) })
		},
	}
	show.Flags().BoolVar(&pem, "pem", false, "print only the certificate PEM")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List every CA generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Authorities []api.CAResponse `json:"authorities"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/ca/history", nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"ID", "STATUS", "SOURCE", "FINGERPRINT", "NOT AFTER", "ROTATED"}}
				for _, c := range resp.Authorities {
					t.add(c.ID, c.Status, c.Source, c.Fingerprint, c.NotAfter, orDashPtr(c.RotatedAt))
				}
				return t
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the active CA",
		Long: `Replace the active CA with a newly generated one. Every certificate
signed by the previous CA stops verifying immediately, so all users must
download new configs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.confirm(cmd, "Rotate the CA? Every issued config stops working."); err != nil {
				return err
			}
			var c api.CAResponse
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/ca/rotate", nil, &c); err != nil {
				return err
			}
			return a.printer.print(c, func() table { return caFields(&c) })
		},
	})
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	var actor, action, targetType, targetID, since, until string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			q := url.Values{}
			s, err := parseSince(since, now)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			u, err := parseSince(until, now)
			if err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}
			for key, value := range map[string]string{
				"actor":       actor,
				"action":      action,
				"target_type": targetType,
				"target_id":   targetID,
				"since":       s,
				"until":       u,
			} {
				if value != "" {
					q.Set(key, value)
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var resp struct {
				Entries []api.AuditEntryResponse `json:"entries"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/audit?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"TIME", "ACTOR", "ACTION", "TARGET", "DETAIL"}}
				for _, e := range resp.Entries {
					t.add(e.Timestamp, e.Actor, e.Action, e.TargetType+"/"+e.TargetID, compactDetail(e.Detail))
				}
				return t
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&actor, "actor", "", "only entries by this principal ID")
	f.StringVar(&action, "action", "", "only entries with this action")
	f.StringVar(&targetType, "target-type", "", "only entries about this target type")
	f.StringVar(&targetID, "target-id", "", "only entries about this target")
	f.StringVar(&since, "since", "", "duration (e.g. 24h) or RFC3339 timestamp")
	f.StringVar(&until, "until", "", "duration or RFC3339 timestamp")
	f.IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

func compactDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return "-"
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return "-"
	}
	return string(b)
}
