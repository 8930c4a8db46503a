// ABOUTME: Gateway and assignment commands for the admin CLI
// ABOUTME: Assignments are the edges that grant users and groups access to gateways and mesh hubs

package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/tunnelward/internal/api"
	"github.com/2389/tunnelward/internal/store"
)

func gatewayFields(g *api.GatewayResponse) table {
	return fields(
		"ID", g.ID,
		"Name", g.Name,
		"Hostname", orDash(g.Hostname),
		"Public IP", orDash(g.PublicIP),
		"Protocol", g.Tunnel.Protocol,
		"Port", strconv.Itoa(g.Tunnel.Port),
		"Crypto", g.Tunnel.CryptoProfile,
		"VPN subnet", g.Tunnel.VPNSubnet,
		"TLS auth", yesNo(g.Tunnel.TLSAuthEnabled),
		"Full tunnel", yesNo(g.Tunnel.FullTunnel),
		"DNS", orDash(strings.Join(g.Tunnel.DNSServers, ", ")),
		"Agent key", orDash(g.AgentPubkeyFP),
		"Agent URL", orDash(g.AgentURL),
		"Active", yesNo(g.IsActive),
		"Online", yesNo(g.Online),
		"Last heartbeat", orDashPtr(g.LastHeartbeat),
	)
}

func newGatewaysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "gateways",
		Aliases: []string{"gw"},
		Short:   "Manage VPN gateways",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Gateways []api.GatewayResponse `json:"gateways"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/gateways", nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"ID", "NAME", "HOSTNAME", "PROTOCOL", "PORT", "SUBNET", "ACTIVE", "ONLINE"}}
				for _, g := range resp.Gateways {
					t.add(g.ID, g.Name, orDash(g.Hostname), g.Tunnel.Protocol, strconv.Itoa(g.Tunnel.Port),
						g.Tunnel.VPNSubnet, yesNo(g.IsActive), yesNo(g.Online))
				}
				return t
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var g api.GatewayResponse
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/gateways/"+url.PathEscape(args[0]), nil, &g); err != nil {
				return err
			}
			return a.printer.print(g, func() table { return gatewayFields(&g) })
		},
	})

	cmd.AddCommand(newGatewayCreateCmd(a))

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.confirm(cmd, fmt.Sprintf("Delete gateway %s?", args[0])); err != nil {
				return err
			}
			if err := a.client.Do(cmd.Context(), http.MethodDelete, "/api/v1/gateways/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted gateway %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newGatewayCreateCmd(a *app) *cobra.Command {
	var (
		req     api.GatewayRequest
		keyFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Name == "" {
				return errors.New("--name flag is required")
			}
			if req.Tunnel.VPNSubnet == "" {
				return errors.New("--subnet flag is required")
			}
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("reading agent key: %w", err)
				}
				req.AgentKey = strings.TrimSpace(string(data))
			}
			var g api.GatewayResponse
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/gateways", req, &g); err != nil {
				return err
			}
			return a.printer.print(g, func() table { return gatewayFields(&g) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "gateway name (required)")
	f.StringVar(&req.Hostname, "hostname", "", "hostname clients connect to")
	f.StringVar(&req.PublicIP, "public-ip", "", "public IP address")
	f.StringVar(&req.Tunnel.Protocol, "protocol", string(store.TransportUDP), "tunnel transport: udp or tcp")
	f.IntVar(&req.Tunnel.Port, "port", 1194, "tunnel port")
	f.StringVar(&req.Tunnel.CryptoProfile, "crypto", string(store.CryptoModern), "crypto profile: modern, fips or compatible")
	f.StringVar(&req.Tunnel.VPNSubnet, "subnet", "", "client address pool in CIDR form (required)")
	f.BoolVar(&req.Tunnel.TLSAuthEnabled, "tls-auth", false, "enable the TLS auth key")
	f.BoolVar(&req.Tunnel.FullTunnel, "full-tunnel", false, "route all client traffic through the gateway")
	f.BoolVar(&req.Tunnel.PushDNS, "push-dns", false, "push DNS servers to clients")
	f.StringSliceVar(&req.Tunnel.DNSServers, "dns", nil, "DNS servers to push")
	f.StringVar(&keyFile, "agent-key-file", "", "file holding the agent's SSH public key")
	f.StringVar(&req.AgentURL, "agent-url", "", "URL of the gateway agent")
	return cmd
}

// parseEdge reads "<subject-type> <subject-id> <object-type> <object-id>".
func parseEdge(args []string) api.AssignmentRequest {
	return api.AssignmentRequest{
		SubjectType: args[0],
		SubjectID:   args[1],
		ObjectType:  args[2],
		ObjectID:    args[3],
	}
}

func newAssignmentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "assignments",
		Aliases: []string{"assign"},
		Short:   "Manage access assignments",
		Long: `Assignments connect a subject (user, group, network or rule) to an
object (gateway, rule, proxy_app, mesh_hub or mesh_spoke).`,
	}

	var objectType, objectID, subjectType, subjectID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List assignments of one object or one subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			switch {
			case objectType != "" && objectID != "":
				q.Set("object_type", objectType)
				q.Set("object_id", objectID)
			case subjectType != "" && subjectID != "":
				q.Set("subject_type", subjectType)
				q.Set("subject_id", subjectID)
			default:
				return errors.New("either --object-type and --object-id or --subject-type and --subject-id are required")
			}
			var resp struct {
				Assignments []api.AssignmentResponse `json:"assignments"`
			}
			if err := a.client.Do(cmd.Context(), http.MethodGet, "/api/v1/assignments?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			return a.printer.print(resp, func() table {
				t := table{headers: []string{"SUBJECT TYPE", "SUBJECT", "OBJECT TYPE", "OBJECT", "CREATED BY", "CREATED"}}
				for _, e := range resp.Assignments {
					t.add(e.SubjectType, e.SubjectID, e.ObjectType, e.ObjectID, orDash(e.CreatedBy), e.CreatedAt)
				}
				return t
			})
		},
	}
	list.Flags().StringVar(&objectType, "object-type", "", "object type")
	list.Flags().StringVar(&objectID, "object-id", "", "object ID")
	list.Flags().StringVar(&subjectType, "subject-type", "", "subject type")
	list.Flags().StringVar(&subjectID, "subject-id", "", "subject ID")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "add <subject-type> <subject-id> <object-type> <object-id>",
		Short: "Grant a subject access to an object",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			edge := parseEdge(args)
			if err := a.client.Do(cmd.Context(), http.MethodPost, "/api/v1/assignments", edge, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s %s to %s %s\n", edge.SubjectType, edge.SubjectID, edge.ObjectType, edge.ObjectID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <subject-type> <subject-id> <object-type> <object-id>",
		Short: "Remove an assignment",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			edge := parseEdge(args)
			if err := a.client.Do(cmd.Context(), http.MethodDelete, "/api/v1/assignments", edge, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %s from %s %s\n", edge.SubjectType, edge.SubjectID, edge.ObjectType, edge.ObjectID)
			return nil
		},
	})
	return cmd
}
