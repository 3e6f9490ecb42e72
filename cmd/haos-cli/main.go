package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/config"
	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/models"
	"github.com/victorivanov/haos/internal/permissions"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: haos-cli migrate")
			fmt.Println()
			fmt.Println("Run database migrations from database.migrations_path.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  HAOS_DATABASE_URL  PostgreSQL connection string (required)")
			fmt.Println("  HAOS_CONFIG        Optional YAML config file")
			return
		}
		os.Exit(runMigrate())
	case "seed":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: haos-cli seed")
			fmt.Println()
			fmt.Println("Seed a demo server with an owner, a moderator, two members and three roles.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  HAOS_DATABASE_URL  PostgreSQL connection string (required)")
			return
		}
		os.Exit(runSeed())
	case "token":
		if len(os.Args) < 3 || hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: haos-cli token <user-id>")
			fmt.Println()
			fmt.Println("Print an access token for a Matrix user id, e.g. @alice:haos.local.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  HAOS_AUTH_JWT_SECRET  Signing secret (required)")
			return
		}
		os.Exit(runToken(os.Args[2]))
	case "health":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: haos-cli health")
			fmt.Println()
			fmt.Println("Check if the haos server and its dependencies are healthy.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  SERVER_URL  Server base URL (default: http://localhost:8080)")
			return
		}
		os.Exit(runHealth())
	case "version":
		fmt.Printf("haos-cli %s\n", version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: haos-cli <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  migrate  Run database migrations")
	fmt.Println("  seed     Seed a demo server with members and roles")
	fmt.Println("  token    Issue an access token for a user")
	fmt.Println("  health   Check if the server is running")
	fmt.Println("  version  Print version info")
	fmt.Println()
	fmt.Println("Run 'haos-cli <command> --help' for details on a command.")
}

func hasFlag(flag string, args []string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (*config.Config, bool) {
	cfg, err := config.Load(os.Getenv("HAOS_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func requireDatabase(cfg *config.Config) bool {
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "error: HAOS_DATABASE_URL (database.url) is required")
		return false
	}
	return true
}

// --- migrate ---

func runMigrate() int {
	cfg, ok := loadConfig()
	if !ok || !requireDatabase(cfg) {
		return 1
	}

	fmt.Println("running migrations...")
	if err := database.RunMigrations(cfg.Database.URL, "file://"+cfg.Database.MigrationsPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println("migrations up to date")
	return 0
}

// --- seed ---

func runSeed() int {
	cfg, ok := loadConfig()
	if !ok || !requireDatabase(cfg) {
		return 1
	}
	ctx := context.Background()

	fmt.Println("connecting to database...")
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer pool.Close()

	servers := database.NewServerRepository(pool)
	roles := database.NewRoleRepository(pool)
	members := database.NewMemberRepository(pool)

	now := time.Now()
	serverID := uuid.NewString()
	owner := "@alice:haos.local"

	fmt.Println("creating server...")
	if err := servers.Create(ctx, &models.Server{ID: serverID, Name: "Demo Server", OwnerID: owner, CreatedAt: now}); err != nil {
		fmt.Fprintf(os.Stderr, "error: creating server: %v\n", err)
		return 1
	}

	fmt.Println("creating roles...")
	modRoleID := uuid.NewString()
	helperRoleID := uuid.NewString()
	seedRoles := []models.Role{
		{ID: serverID, ServerID: serverID, Name: "@everyone", Color: "#99aab5", IsDefault: true,
			Permissions: int64(permissions.DefaultMemberPerms)},
		{ID: helperRoleID, ServerID: serverID, Name: "Helper", Color: "#2ecc71", Position: 1,
			Permissions: int64(permissions.PermManageMessages | permissions.PermManageThreads)},
		{ID: modRoleID, ServerID: serverID, Name: "Moderator", Color: "#e67e22", Position: 2, Hoist: true,
			Permissions: int64(permissions.PermManageRoles | permissions.PermKickMembers | permissions.PermViewAuditLog | permissions.PermManageMessages)},
	}
	for i := range seedRoles {
		if err := roles.Create(ctx, &seedRoles[i]); err != nil {
			fmt.Fprintf(os.Stderr, "error: creating role %s: %v\n", seedRoles[i].Name, err)
			return 1
		}
	}

	fmt.Println("creating members...")
	seedMembers := []models.Member{
		{UserID: owner, DisplayName: "Alice"},
		{UserID: "@bob:haos.local", DisplayName: "Bob", Roles: []string{modRoleID}},
		{UserID: "@carol:haos.local", DisplayName: "Carol"},
		{UserID: "@dave:haos.local", DisplayName: "Dave", Roles: []string{helperRoleID}},
	}
	for i := range seedMembers {
		m := &seedMembers[i]
		m.ID = uuid.NewString()
		m.ServerID = serverID
		m.JoinedAt = now
		if err := members.Create(ctx, m); err != nil {
			fmt.Fprintf(os.Stderr, "error: creating member %s: %v\n", m.DisplayName, err)
			return 1
		}
	}

	fmt.Println()
	fmt.Println("seed complete:")
	fmt.Printf("  server:  Demo Server (%s, owner: %s)\n", serverID, owner)
	fmt.Printf("  roles:   @everyone, Helper, Moderator\n")
	fmt.Printf("  members: Alice, Bob (Moderator), Carol, Dave (Helper)\n")
	return 0
}

// --- token ---

func runToken(userID string) int {
	cfg, ok := loadConfig()
	if !ok {
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "error: HAOS_AUTH_JWT_SECRET (auth.jwt_secret) is required")
		return 1
	}

	token, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessExpiry).GenerateAccessToken(userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

// --- health ---

func runHealth() int {
	serverURL := envOr("SERVER_URL", "http://localhost:8080")
	url := serverURL + "/health"

	fmt.Printf("checking %s ...\n", url)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("status: %d\n", resp.StatusCode)
	if len(body) > 0 {
		fmt.Printf("body:   %s\n", string(body))
	}

	if resp.StatusCode == http.StatusOK {
		fmt.Println("server is healthy")
		return 0
	}
	fmt.Fprintln(os.Stderr, "server returned non-200 status")
	return 1
}
