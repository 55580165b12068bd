// ABOUTME: Entry point for the krapi-server backend
// ABOUTME: Serves the multi-tenant storage, auth, and realtime API

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/krapi/krapi-server/internal/bootstrap"
	"github.com/krapi/krapi-server/internal/config"
	"github.com/krapi/krapi-server/internal/gateway"
	"github.com/krapi/krapi-server/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                    _
| | ___ __ __ _ _ __ (_)
| |/ / '__/ _' | '_ \| |
|   <| | | (_| | |_) | |
|_|\_\_|  \__,_| .__/|_|
               |_|
`

// getConfigPath returns the path to the server config file.
// Priority: KRAPI_CONFIG env var > XDG_CONFIG_HOME/krapi/config.yaml > ~/.config/krapi/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("KRAPI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "krapi", "config.yaml")
}

// getDataPath returns the path to the krapi data directory.
// Priority: KRAPI_DATA_DIR env var > XDG_DATA_HOME/krapi > ~/.local/share/krapi
func getDataPath() string {
	if envPath := os.Getenv("KRAPI_DATA_DIR"); envPath != "" {
		return envPath
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "krapi")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: krapi-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the server")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  bootstrap  Initialize the control plane and seed the admin")
		fmt.Println("  health     Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when none
// exists. Admin seed values can always come from the environment.
func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if cfg.Admin.Username == "" {
		cfg.Admin.Username = os.Getenv("KRAPI_ADMIN_USERNAME")
	}
	if cfg.Admin.Password == "" {
		cfg.Admin.Password = os.Getenv("KRAPI_ADMIN_PASSWORD")
	}
	if cfg.Admin.Email == "" {
		cfg.Admin.Email = os.Getenv("KRAPI_ADMIN_EMAIL")
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:   %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Data:   %s\n", cfg.Database.DataDir)
	fmt.Println()

	logger.Info("starting krapi-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"data_dir", cfg.Database.DataDir,
	)

	srv, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
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

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
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

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runBootstrap initializes the control-plane store without starting the
// server: schema, seeded admin, and the admin's master key. Running it
// against an already-initialized data directory is a no-op.
func runBootstrap(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	manager := store.NewManager(cfg.Database.DataDir)
	defer manager.CloseAll()

	boot := bootstrap.New(manager, bootstrap.Seed{
		AdminUsername: cfg.Admin.Username,
		AdminPassword: cfg.Admin.Password,
		AdminEmail:    cfg.Admin.Email,
		BcryptCost:    cfg.Auth.BcryptCost,
	})
	if err := boot.EnsureControlPlane(ctx); err != nil {
		return fmt.Errorf("bootstrapping control plane: %w", err)
	}

	green.Printf("  ✓ Control plane ready: %s\n", manager.ControlPlanePath())

	adapter, err := manager.ControlPlane()
	if err != nil {
		return fmt.Errorf("opening control plane: %w", err)
	}
	cp := store.NewControlPlane(adapter)

	admins, err := cp.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("listing admins: %w", err)
	}

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Administrators")
	cyan.Println("  --------------")
	for _, a := range admins {
		fmt.Printf("  %s  <%s>\n", a.Username, a.Email)
	}
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    krapi-server serve    # start the server")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("krapi-server configuration setup")
	fmt.Println("================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
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
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8090")

	// Database
	fmt.Println("\n--- Storage Configuration ---")
	dataDir := prompt(reader, "Data directory", defaultDataPath)

	// Admin seed
	fmt.Println("\n--- Administrator ---")
	adminUser := prompt(reader, "Admin username", "admin")
	adminEmail := prompt(reader, "Admin email", "admin@localhost")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# krapi-server configuration\n")
	cfg.WriteString("# Generated by krapi-server init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  data_dir: \"%s\"\n", dataDir))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString("  session_ttl: \"24h\"\n")
	cfg.WriteString("  remember_me_ttl: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("admin:\n")
	cfg.WriteString(fmt.Sprintf("  username: \"%s\"\n", adminUser))
	cfg.WriteString(fmt.Sprintf("  email: \"%s\"\n", adminEmail))
	cfg.WriteString("  password: \"${KRAPI_ADMIN_PASSWORD}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("realtime:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  backoff_base: \"1s\"\n")
	cfg.WriteString("  backoff_cap: \"30s\"\n")
	cfg.WriteString("  backoff_multiplier: 2.0\n")
	cfg.WriteString("  max_reconnects: 8\n")
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
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  krapi-server serve\n")

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
