// ABOUTME: Entry point for the backhauld relay daemon
// ABOUTME: Subcommands: serve, init, health, token, fleet

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/backhaul-dev/backhaul/internal/auth"
	"github.com/backhaul-dev/backhaul/internal/config"
	"github.com/backhaul-dev/backhaul/internal/fleet"
	"github.com/backhaul-dev/backhaul/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                   _     _                    _
| |__    __ _   ___ | | __| |__    __ _  _   _ | |
| '_ \  / _' | / __|| |/ /| '_ \  / _' || | | || |
| |_) || (_| || (__ |   < | | | || (_| || |_| || |
|_.__/  \__,_| \___||_|\_\|_| |_| \__,_| \__,_||_|
`

// getConfigPath returns the path to the relay config file.
// Priority: --config flag > BACKHAUL_CONFIG env var > XDG_CONFIG_HOME/backhaul/backhaul.yaml
// > ~/.config/backhaul/backhaul.yaml
func getConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		if (args[i] == "--config" || args[i] == "-c") && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(args[i], "--config=") {
			return strings.TrimPrefix(args[i], "--config=")
		}
	}

	if envPath := os.Getenv("BACKHAUL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "backhaul.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "backhaul", "backhaul.yaml")
}

// getDataPath returns the path to the backhaul data directory.
// Priority: XDG_DATA_HOME/backhaul > ~/.local/share/backhaul
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "backhaul")
}

func main() {
	// A .env next to the process may carry TS_AUTHKEY or token material.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: backhauld <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the relay")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  health                     Check relay health")
		fmt.Println("  token --principal NAME     Mint an agent JWT")
		fmt.Println("  fleet                      List registered machines")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "token":
		err = runToken(args)
	case "fleet":
		err = runFleet(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	configPath := getConfigPath(args)

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Fleet:     %s (%s)\n", cfg.Fleet.Path, cfg.Fleet.Driver)

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting backhauld",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"fleet_driver", cfg.Fleet.Driver,
	)

	// Create and run the relay
	rl, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return rl.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context, args []string) error {
	configPath := getConfigPath(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("health probe needs server.http_addr (tailscale-only relays must be probed over the tailnet)")
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints an agent JWT signed with the configured secret.
// Supports both "--principal value" and "--principal=value" formats.
func runToken(args []string) error {
	var principal string
	ttl := 24 * time.Hour

	rest := args
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		switch {
		case arg == "--principal" || arg == "-p":
			if i+1 >= len(rest) {
				return fmt.Errorf("--principal requires a value")
			}
			principal = rest[i+1]
			i++
		case strings.HasPrefix(arg, "--principal="):
			principal = strings.TrimPrefix(arg, "--principal=")
		case arg == "--ttl":
			if i+1 >= len(rest) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(rest[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case arg == "--config" || arg == "-c":
			i++ // consumed by getConfigPath
		case strings.HasPrefix(arg, "--config="):
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if principal == "" {
		return fmt.Errorf("--principal flag is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, err := config.Load(getConfigPath(args))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; agent auth is disabled")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(principal, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "principal=%s expires=%s\n",
		principal, time.Now().Add(ttl).UTC().Format(time.RFC3339))
	return nil
}

// runFleet lists registered machines over the admin API, minting a
// short-lived CLI token when agent auth is configured.
func runFleet(ctx context.Context, args []string) error {
	cfg, err := config.Load(getConfigPath(args))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("fleet listing needs server.http_addr")
	}

	url := fmt.Sprintf("http://%s/api/machines", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if cfg.Auth.JWTSecret != "" {
		token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("backhauld-cli", 5*time.Minute)
		if err != nil {
			return fmt.Errorf("minting CLI token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fleet listing failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fleet listing failed: status %d", resp.StatusCode)
	}

	var machines []fleet.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(machines) == 0 {
		fmt.Println("no machines registered")
		return nil
	}

	fmt.Printf("%-24s %-12s %-16s %-14s %s\n", "ID", "PROVIDER", "IP", "STATUS", "LAST SEEN")
	for _, m := range machines {
		lastSeen := "-"
		if !m.LastSeen.IsZero() {
			lastSeen = m.LastSeen.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-24s %-12s %-16s %-14s %s\n", m.ID, m.Provider, m.IP, m.Status, lastSeen)
	}
	return nil
}

func runInit(args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("backhauld configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath(args)
	defaultDataPath := getDataPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8787")

	// Fleet store
	fmt.Println("\n--- Fleet Store ---")
	fleetDriver := prompt(reader, "Fleet store driver (file/sqlite)", "file")
	defaultFleetPath := filepath.Join(defaultDataPath, "fleet.json")
	if fleetDriver == "sqlite" {
		defaultFleetPath = filepath.Join(defaultDataPath, "fleet.db")
	}
	fleetPath := prompt(reader, "Fleet store path", defaultFleetPath)

	// Auth
	fmt.Println("\n--- Authentication ---")
	genSecret := prompt(reader, "Generate agent JWT secret?", "yes")
	var jwtSecret string
	if strings.ToLower(genSecret) == "yes" || strings.ToLower(genSecret) == "y" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}
	fleetToken := prompt(reader, "Shared machine fleet token (empty leaves machine auth open)", "")

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "backhaul")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
		funnelStr := prompt(reader, "Enable Funnel (public HTTPS)?", "no")
		tsFunnel = strings.ToLower(funnelStr) == "yes" || strings.ToLower(funnelStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# backhauld configuration\n")
	cfg.WriteString("# Generated by backhauld init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("fleet:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", fleetDriver))
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", fleetPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	if jwtSecret != "" {
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	} else {
		cfg.WriteString("  # jwt_secret: \"\"    # empty disables agent auth\n")
	}
	if fleetToken != "" {
		cfg.WriteString(fmt.Sprintf("  fleet_token: \"%s\"\n", fleetToken))
		cfg.WriteString("  auto_register: true\n")
	} else {
		cfg.WriteString("  # fleet_token: \"\"   # shared bind credential for any machine\n")
	}
	cfg.WriteString("  # machine_tokens:    # per-machine bind credentials\n")
	cfg.WriteString("  #   pc-1: \"secret\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tunnels:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  heartbeat_misses: 3\n")
	cfg.WriteString("\n")

	cfg.WriteString("calls:\n")
	cfg.WriteString("  default_timeout: \"30s\"\n")
	cfg.WriteString("  max_timeout: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(fleetPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the relay:")
	fmt.Printf("  backhauld serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
