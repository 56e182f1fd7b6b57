package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
	"github.com/victorivanov/concord/internal/permsync"
	"github.com/victorivanov/concord/internal/service"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		os.Exit(runMigrate(os.Args[2:]))
	case "seed":
		os.Exit(runSeed(os.Args[2:]))
	case "token":
		os.Exit(runToken(os.Args[2:]))
	case "health":
		os.Exit(runHealth(os.Args[2:]))
	case "version":
		fmt.Printf("concord-cli %s\n", version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: concord-cli <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  migrate  Apply (or roll back) database migrations")
	fmt.Println("  seed     Create a demo server with roles, members and overrides")
	fmt.Println("  token    Mint an access token for a user ID")
	fmt.Println("  health   Check if the server is running")
	fmt.Println("  version  Print version info")
	fmt.Println()
	fmt.Println("Run 'concord-cli <command> -h' for details on a command.")
}

// parseStatus maps a flag parse error to an exit code; -h is not a failure.
func parseStatus(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}

func requireEnv(key string) (string, bool) {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "error: %s environment variable is required\n", key)
		return "", false
	}
	return v, true
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// --- migrate ---

func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dir := fs.String("dir", "migrations", "migrations directory")
	down := fs.Bool("down", false, "roll back every migration")
	if err := fs.Parse(args); err != nil {
		return parseStatus(err)
	}
	dbURL, ok := requireEnv("DATABASE_URL")
	if !ok {
		return 1
	}

	m, err := migrate.New("file://"+*dir, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: migration init failed: %v\n", err)
		return 1
	}
	defer m.Close()

	if *down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		v, _, _ := m.Version()
		fmt.Printf("no changes (current version: %d)\n", v)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: migration failed: %v\n", err)
		return 1
	}

	v, dirty, verr := m.Version()
	if errors.Is(verr, migrate.ErrNilVersion) {
		fmt.Println("all migrations rolled back")
		return 0
	}
	fmt.Printf("migrations applied (version: %d, dirty: %v)\n", v, dirty)
	return 0
}

// --- seed ---

// runSeed builds a demo server through the service layer so every rule
// (hierarchy, escalation, lockout) applies to the seeded data too.
func runSeed(args []string) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	nodeID := fs.Int64("node", 0, "snowflake node ID")
	if err := fs.Parse(args); err != nil {
		return parseStatus(err)
	}
	dbURL, ok := requireEnv("DATABASE_URL")
	if !ok {
		return 1
	}
	secret, ok := requireEnv("JWT_SECRET")
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer pool.Close()

	ids, err := snowflake.NewNode(*nodeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: snowflake init failed: %v\n", err)
		return 1
	}
	tokens := auth.NewTokenService(secret)

	servers := database.NewServerRepository(pool)
	roles := database.NewRoleRepository(pool)
	members := database.NewMemberRepository(pool)
	channels := database.NewChannelRepository(pool)

	checker := service.NewPermissionChecker(servers, roles, members, channels, nil, 0)
	gw := gateway.NewManager(tokens, checker)
	syncer := permsync.New(servers, roles, members, channels, gw, permsync.Config{Workers: 1})
	syncer.Start(ctx)
	defer syncer.Stop()

	serverSvc := service.NewServerService(servers, roles, members, channels, ids, checker, gw, syncer)
	roleSvc := service.NewRoleService(roles, members, channels, ids, checker, gw, syncer)
	memberSvc := service.NewMemberService(members, channels, checker, gw, syncer)

	alice, bob, carol := ids.Generate().Int64(), ids.Generate().Int64(), ids.Generate().Int64()

	fmt.Println("creating server...")
	server, err := serverSvc.CreateServer(ctx, alice, "Demo Server")
	if err != nil {
		return seedFailed("creating server", err)
	}
	for _, uid := range []int64{bob, carol} {
		if _, err := serverSvc.AddMember(ctx, server.ID, uid); err != nil {
			return seedFailed("adding member", err)
		}
	}

	fmt.Println("creating roles...")
	// Muted first so Moderator lands above it and can manage it.
	muted, err := roleSvc.CreateRole(ctx, server.ID, alice, service.CreateRoleParams{Name: "Muted", Color: "#95a5a6"})
	if err != nil {
		return seedFailed("creating Muted role", err)
	}
	mod, err := roleSvc.CreateRole(ctx, server.ID, alice, service.CreateRoleParams{
		Name:        "Moderator",
		Color:       "#3498db",
		Permissions: (permissions.PermManageRoles | permissions.PermKickMembers | permissions.PermManageChannels).Tokens(),
	})
	if err != nil {
		return seedFailed("creating Moderator role", err)
	}
	if _, err := memberSvc.UpdateMemberRoles(ctx, server.ID, alice, bob, []int64{mod.ID}); err != nil {
		return seedFailed("assigning Moderator", err)
	}
	if _, err := memberSvc.UpdateMemberRoles(ctx, server.ID, alice, carol, []int64{muted.ID}); err != nil {
		return seedFailed("assigning Muted", err)
	}

	fmt.Println("creating channels...")
	announcements, err := serverSvc.CreateChannel(ctx, server.ID, alice, service.CreateChannelParams{
		Name: "announcements",
		Overrides: []models.PermissionOverride{
			{TargetType: models.OverrideTargetRole, TargetID: server.EveryoneRoleID, Deny: []string{"SEND_MESSAGES"}},
			{TargetType: models.OverrideTargetRole, TargetID: mod.ID, Allow: []string{"SEND_MESSAGES"}},
			{TargetType: models.OverrideTargetMember, TargetID: bob, Allow: []string{"MANAGE_CHANNEL"}},
		},
	})
	if err != nil {
		return seedFailed("creating #announcements", err)
	}
	chat, err := serverSvc.CreateChannel(ctx, server.ID, alice, service.CreateChannelParams{
		Name: "chat",
		Overrides: []models.PermissionOverride{
			{TargetType: models.OverrideTargetRole, TargetID: muted.ID, Deny: []string{"SEND_MESSAGES", "ADD_REACTIONS"}},
		},
	})
	if err != nil {
		return seedFailed("creating #chat", err)
	}

	fmt.Println()
	fmt.Println("seed complete:")
	fmt.Printf("  server:   %d (Demo Server)\n", server.ID)
	fmt.Printf("  roles:    Moderator %d, Muted %d\n", mod.ID, muted.ID)
	fmt.Printf("  channels: #announcements %d, #chat %d\n", announcements.ID, chat.ID)
	for _, u := range []struct {
		name string
		id   int64
	}{{"alice (owner)", alice}, {"bob (Moderator)", bob}, {"carol (Muted)", carol}} {
		token, err := tokens.GenerateAccessToken(u.id)
		if err != nil {
			return seedFailed("minting token", err)
		}
		fmt.Printf("  %-16s %d\n    token: %s\n", u.name, u.id, token)
	}
	return 0
}

func seedFailed(step string, err error) int {
	var se *service.ServiceError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "error: %s: %s (%s)\n", step, se.Message, se.Code)
	} else {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	}
	return 1
}

// --- token ---

func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	fs.Usage = func() {
		fmt.Println("Usage: concord-cli token [-ttl 1h] <user-id>")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  JWT_SECRET  HMAC secret shared with the server (required)")
	}
	if err := fs.Parse(args); err != nil {
		return parseStatus(err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	userID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid user ID %q\n", fs.Arg(0))
		return 2
	}
	secret, ok := requireEnv("JWT_SECRET")
	if !ok {
		return 1
	}

	token, err := auth.NewTokenService(secret).WithAccessExpiry(*ttl).GenerateAccessToken(userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

// --- health ---

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	serverURL := fs.String("url", envOr("SERVER_URL", "http://localhost:8080"), "server base URL")
	if err := fs.Parse(args); err != nil {
		return parseStatus(err)
	}
	url := *serverURL + "/health"

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
