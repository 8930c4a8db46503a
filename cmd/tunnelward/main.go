// ABOUTME: Entry point for the tunnelward control server
// ABOUTME: serve, init, bootstrap and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/config"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/server"
	"github.com/2389/tunnelward/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                          _                           _
 | |_ _   _ _ __  _ __   ___| |_      ____ _ _ __ __| |
 | __| | | | '_ \| '_ \ / _ \ \ \ /\ / / _' | '__/ _' |
 | |_| |_| | | | | | | |  __/ |\ V  V / (_| | | | (_| |
  \__|\__,_|_| |_|_| |_|\___|_| \_/\_/ \__,_|_|  \__,_|
`

// bootstrapTokenTTL is how long the token written by bootstrap stays valid.
const bootstrapTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the tunnelward data directory.
// Priority: XDG_DATA_HOME/tunnelward > ~/.local/share/tunnelward
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "tunnelward")
}

func usage() {
	fmt.Println("Usage: tunnelward <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  bootstrap --email EMAIL --name NAME Create the first admin and a session token")
	fmt.Println("  health                             Check that the server is up")
	fmt.Println("  ready                              Check that the server can issue credentials")
	fmt.Println("  version                            Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Revocation.Redis.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s\n", cfg.Revocation.Redis.Addr)
	}
	if cfg.Auth.SSOSecret == "" {
		yellow.Println("    ! SSO login disabled (auth.sso_secret not set)")
	}
	fmt.Println()

	logger.Info("starting tunnelward",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// bootstrapArgs holds parsed bootstrap flags.
type bootstrapArgs struct {
	email    string
	name     string
	password string
}

// parseBootstrapArgs accepts both "--flag value" and "--flag=value".
func parseBootstrapArgs(args []string) (*bootstrapArgs, error) {
	out := &bootstrapArgs{}
	targets := map[string]*string{
		"--email":    &out.email,
		"--name":     &out.name,
		"--password": &out.password,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := targets[name]
		if !ok {
			return nil, fmt.Errorf("unknown flag: %s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		*dst = strings.TrimSpace(value)
	}

	if out.email == "" {
		return nil, fmt.Errorf("--email flag is required")
	}
	if out.name == "" {
		return nil, fmt.Errorf("--name flag is required")
	}
	if len(out.name) > 100 {
		return nil, fmt.Errorf("display name exceeds maximum length of 100 characters")
	}
	return out, nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with random secrets (if none exists)
// 2. Creates the database and the first admin principal
// 3. Writes a session token for tunnelward-admin
func runBootstrap(ctx context.Context, args []string) error {
	opts, err := parseBootstrapArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		jwtSecret, err := randomSecret(32)
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		content := fmt.Sprintf(`# tunnelward configuration
# Generated by tunnelward bootstrap

server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

database:
  path: %q

auth:
  jwt_secret: %q
  # sso_secret: set to enable /api/v1/auth/sso for your identity provider adapter

identity:
  admin_emails: [%q]

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "tunnelward.db"), jwtSecret, opts.email)

		if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	count, err := s.CountPrincipals(ctx)
	if err != nil {
		return fmt.Errorf("checking principals: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d principal(s) exist", count)
	}

	password := opts.password
	generated := password == ""
	if generated {
		if password, err = randomSecret(18); err != nil {
			return fmt.Errorf("generating password: %w", err)
		}
	}

	svc := identity.NewService(s, identity.Options{})
	admin, err := svc.CreateLocal(ctx, opts.email, opts.name, password, true)
	if err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}
	green.Printf("  ✓ Created admin: %s <%s>\n", admin.Name, admin.Email)

	expiresAt := time.Now().Add(bootstrapTokenTTL).UTC()
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(admin.ID, bootstrapTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin")
	cyan.Println("  -----")
	fmt.Printf("  ID:       %s\n", admin.ID)
	fmt.Printf("  Email:    %s\n", admin.Email)
	fmt.Printf("  Name:     %s\n", admin.Name)
	if generated {
		fmt.Printf("  Password: %s\n", password)
		yellow.Println("            (shown once; change it after first login)")
	}
	fmt.Printf("  Token:    %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    tunnelward serve        # start the server")
	fmt.Println("    tunnelward-admin me     # verify your identity")
	fmt.Println()
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("tunnelward configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "localhost:50051")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "tunnelward.db"))

	fmt.Println("\n--- Identity ---")
	adminEmails := splitList(prompt(reader, "Admin emails (comma separated)", ""))
	adminGroups := splitList(prompt(reader, "Admin IdP groups (comma separated)", ""))
	enableSSO := yes(prompt(reader, "Accept SSO logins from an identity adapter?", "no"))

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Serve only on a tailnet?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "tunnelward")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "yes"))
	}

	fmt.Println("\n--- Revocation ---")
	redisAddr := prompt(reader, "Redis address for shared revocation state (empty for none)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	jwtSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# tunnelward configuration\n")
	cfg.WriteString("# Generated by tunnelward init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n\n", grpcAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	if enableSSO {
		ssoSecret, err := randomSecret(32)
		if err != nil {
			return fmt.Errorf("generating SSO secret: %w", err)
		}
		fmt.Fprintf(&cfg, "  sso_secret: %q\n", ssoSecret)
	}
	cfg.WriteString("  session_ttl: \"12h\"\n\n")

	cfg.WriteString("identity:\n")
	fmt.Fprintf(&cfg, "  admin_emails: %s\n", yamlList(adminEmails))
	fmt.Fprintf(&cfg, "  admin_groups: %s\n\n", yamlList(adminGroups))

	cfg.WriteString("vpn:\n")
	cfg.WriteString("  cert_validity: \"24h\"\n")
	cfg.WriteString("  download_ttl: \"1h\"\n\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  https: %t\n", tsHTTPS)
	}
	cfg.WriteString("\n")

	if redisAddr != "" {
		cfg.WriteString("revocation:\n")
		cfg.WriteString("  redis:\n")
		fmt.Fprintf(&cfg, "    addr: %q\n", redisAddr)
		cfg.WriteString("    prefix: \"tunnelward:\"\n\n")
	}

	cfg.WriteString("heartbeat:\n")
	cfg.WriteString("  offline_after: \"2m\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext:")
	fmt.Println("  tunnelward bootstrap --email you@example.com --name \"Your Name\"")
	fmt.Println("  tunnelward serve")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func yamlList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
