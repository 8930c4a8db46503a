// ABOUTME: Credential commands: VPN configs, API keys and the revocation history
// ABOUTME: Issued configs can be downloaded immediately; API key secrets are printed once

package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/api"
)

func configFields(c *api.ConfigResponse) table {
	return fields(
		"ID", c.ID,
		"Kind", c.Kind,
		"Principal", c.PrincipalID,
		"Target", c.TargetID,
		"File", c.FileName,
		"Serial", c.CertSerial,
		"CA", c.CAFingerprint,
		"Status", c.Status,
		"Downloaded", yesNo(c.Downloaded),
		"Created", c.CreatedAt,
		"Expires", c.ExpiresAt,
		"Revoked", orDashPtr(c.RevokedAt),
		"Reason", orDash(c.RevokeReason),
	)
}

// downloadPath turns a handle or a download URL into a request path.
func downloadPath(ref string) string {
	if strings.Contains(ref, "/") {
		return ref
	}
	return api.DownloadPath + url.PathEscape(ref)
}

// saveDownload redeems a download handle and writes the profile into dir.
func (a *app) saveDownload(cmd *cobra.Command, ref, dir, fallback string) (string, error) {
	data, name, err := a.client.Fetch(cmd.Context(), downloadPath(ref))
	if err != nil {
		return "", err
	}
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = "tunnelward.ovpn"
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func newConfigsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Issue, list and revoke VPN configs",
	}

	var principalID, targetID, kind string
	var unrevoked bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List VPN configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if principalID != "" {
				q.Set("principal_id", principalID)
			}
			if targetID != "" {
				q.Set("target_id", targetID)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if unrevoked {
				q.Set("unrevoked", "true")
			}
			path := "/api/v1/configs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var resp struct {
				Configs []api.ConfigResponse `json:"configs"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"ID", "KIND", "PRINCIPAL", "TARGET", "STATUS", "SERIAL", "EXPIRES"}}
				for _, c := range resp.Configs {
					t.add(c.ID, c.Kind, c.PrincipalID, c.TargetID, c.Status, c.CertSerial, c.ExpiresAt)
				}
				return t
			})
		},
	}
	list.Flags().StringVar(&principalID, "principal", "", "only configs of this principal (admins)")
	list.Flags().StringVar(&targetID, "target", "", "only configs for this gateway or hub")
	list.Flags().StringVar(&kind, "kind", "", "only configs of this kind: gateway or mesh")
	list.Flags().BoolVar(&unrevoked, "unrevoked", false, "hide revoked configs")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one VPN config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c api.ConfigResponse
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/configs/"+url.PathEscape(args[0]), nil, &c); err != nil {
				return err
			}
			return a.printer.print(c, func() table { return configFields(&c) })
		},
	})

	cmd.AddCommand(newConfigIssueCmd(a))

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a VPN config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.RevokeResponse
			path := "/api/v1/configs/" + url.PathEscape(args[0]) + "/revoke"
			if err := a.client.Do(cmd.Context(), http.MethodPost, path, api.RevokeRequest{Reason: reason}, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table { return revokeFields(&resp) })
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	cmd.AddCommand(revoke)

	var dir string
	download := &cobra.Command{
		Use:   "download <handle-or-url>",
		Short: "Redeem a one-time download handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.saveDownload(cmd, args[0], dir, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
			return nil
		},
	}
	download.Flags().StringVar(&dir, "dir", ".", "directory to write the profile into")
	cmd.AddCommand(download)
	return cmd
}

func revokeFields(r *api.RevokeResponse) table {
	state := "revoked"
	if r.AlreadyRevoked {
		state = "already revoked"
	}
	return fields("Credential", r.CredentialID, "State", state)
}

func newConfigIssueCmd(a *app) *cobra.Command {
	var gatewayID, hubID, dir string
	var save bool
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a VPN config for yourself",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req api.IssueConfigRequest
			switch {
			case gatewayID != "" && hubID != "":
				return errors.New("--gateway and --hub are mutually exclusive")
			case gatewayID != "":
				req = api.IssueConfigRequest{TargetKind: string(access.TargetGateway), TargetID: gatewayID}
			case hubID != "":
				req = api.IssueConfigRequest{TargetKind: string(access.TargetMeshHub), TargetID: hubID}
			default:
				return errors.New("--gateway or --hub is required")
			}

			var issued api.IssuedConfigResponse
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/configs", req, &issued); err != nil {
				return err
			}
			if !save {
				return a.printer.print(issued, func() table {
					t := configFields(&issued.Config)
					t.add("Routes:", orDash(strings.Join(issued.Routes, ", ")))
					t.add("Download:", issued.DownloadURL)
					return t
				})
			}

			path, err := a.saveDownload(cmd, issued.DownloadURL, dir, issued.Config.FileName)
			if err != nil {
				return fmt.Errorf("config %s issued but download failed: %w", issued.Config.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Issued %s, saved %s\n", issued.Config.ID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayID, "gateway", "", "gateway ID")
	cmd.Flags().StringVar(&hubID, "hub", "", "mesh hub ID")
	cmd.Flags().BoolVar(&save, "save", false, "download the profile right away")
	cmd.Flags().StringVar(&dir, "dir", ".", "directory for --save")
	return cmd
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keys",
		Aliases: []string{"api-keys"},
		Short:   "Manage API keys",
	}

	var listPrincipal string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/api-keys"
			if listPrincipal != "" {
				path += "?" + url.Values{"principal_id": {listPrincipal}}.Encode()
			}
			var resp struct {
				APIKeys []api.APIKeyResponse `json:"api_keys"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"ID", "NAME", "PREFIX", "PRINCIPAL", "SCOPES", "EXPIRES", "REVOKED"}}
				for _, k := range resp.APIKeys {
					t.add(k.ID, k.Name, k.KeyPrefix, k.PrincipalID, strings.Join(k.Scopes, ","),
						orDashPtr(k.ExpiresAt), yesNo(k.IsRevoked))
				}
				return t
			})
		},
	}
	list.Flags().StringVar(&listPrincipal, "principal", "", "only keys of this principal (admins)")
	cmd.AddCommand(list)

	var (
		req     api.APIKeyRequest
		expires time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Name == "" {
				return errors.New("--name flag is required")
			}
			if expires > 0 {
				at := time.Now().Add(expires).UTC().Format(time.RFC3339)
				req.ExpiresAt = &at
			}
			var issued api.IssuedAPIKeyResponse
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/api-keys", req, &issued); err != nil {
				return err
			}
			if a.printer.format == formatTable {
				fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("Store this secret now; it cannot be shown again."))
			}
			return a.printer.print(issued, func() table {
				return fields(
					"ID", issued.ID,
					"Name", issued.Name,
					"Principal", issued.PrincipalID,
					"Scopes", strings.Join(issued.Scopes, ", "),
					"Expires", orDashPtr(issued.ExpiresAt),
					"Secret", issued.Secret,
				)
			})
		},
	}
	create.Flags().StringVar(&req.Name, "name", "", "key name (required)")
	create.Flags().StringSliceVar(&req.Scopes, "scope", nil, `scopes such as "read:configs" or "*"`)
	create.Flags().StringVar(&req.PrincipalID, "principal", "", "owner of the key (admins provisioning for others)")
	create.Flags().DurationVar(&expires, "expires", 0, "lifetime of the key, e.g. 720h (default never)")
	cmd.AddCommand(create)

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.RevokeResponse
			path := "/api/v1/api-keys/" + url.PathEscape(args[0]) + "/revoke"
			if err := a.client.Do(cmd.Context(), http.MethodPost, path, api.RevokeRequest{Reason: reason}, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table { return revokeFields(&resp) })
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	cmd.AddCommand(revoke)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Do(cmd.Context(), http.MethodDelete, "/api/v1/api-keys/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted API key %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newRevocationsCmd(a *app) *cobra.Command {
	var principalID, kind, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "revocations",
		Short: "Show the revocation ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if principalID != "" {
				q.Set("principal_id", principalID)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			s, err := parseSince(since, time.Now())
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			if s != "" {
				q.Set("since", s)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Revocations []api.RevocationResponse `json:"revocations"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/revocations?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"REVOKED", "KIND", "CREDENTIAL", "PRINCIPAL", "SERIAL", "BY", "REASON"}}
				for _, r := range resp.Revocations {
					t.add(r.RevokedAt, r.Kind, r.CredentialID, r.PrincipalID, orDash(r.Serial), r.RevokedBy, orDash(r.Reason))
				}
				return t
			})
		},
	}
	cmd.Flags().StringVar(&principalID, "principal", "", "only revocations of this principal")
	cmd.Flags().StringVar(&kind, "kind", "", "vpn_config, mesh_config or api_key")
	cmd.Flags().StringVar(&since, "since", "", "duration (e.g. 24h) or RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}
