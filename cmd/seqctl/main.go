// Package main provides an operator CLI for the sequence engine.
// Usage: seqctl migrate
//        seqctl list
//        seqctl stats --name invoices [--segment 2024]
//        seqctl cleanup
//        seqctl token --sub billing --entity company:acme [--admin]
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"consecutive/internal/bootstrap"
	"consecutive/internal/config"
	appctx "consecutive/internal/core/context"
	"consecutive/internal/domain/auth"
	"consecutive/internal/infrastructure/storage/postgres"
	"consecutive/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "migrate":
		migrate(ctx)
	case "list":
		listSequences(ctx)
	case "stats":
		showStats(ctx)
	case "cleanup":
		cleanup(ctx)
	case "token":
		issueToken()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Sequence engine operator CLI

Usage:
  seqctl <command> [options]

Commands:
  migrate   Create or update the database schema
  list      List all sequences
  stats     Show counter statistics for a sequence
  cleanup   Expire overdue blocks and reservations once
  token     Issue an access token
  help      Show this help

Environment Variables:
  DATABASE_URL   Connection string (required except for token)
  JWT_SECRET     Signing secret (required for token)
  JWT_ISSUER     Token issuer (default consecutive)

Examples:
  seqctl migrate
  seqctl stats --name invoices --segment 2024
  seqctl token --sub billing --entity company:acme
  seqctl token --sub ops --admin`)
}

// flagValue returns the value following name in the command arguments.
func flagValue(name string) string {
	for i := 2; i < len(os.Args)-1; i++ {
		if os.Args[i] == name {
			return os.Args[i+1]
		}
	}
	return ""
}

func hasFlag(name string) bool {
	for _, arg := range os.Args[2:] {
		if arg == name {
			return true
		}
	}
	return false
}

func fail(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func openEngine(ctx context.Context) *bootstrap.Engine {
	cfg, err := config.LoadWorker()
	if err != nil {
		fail("%v", err)
	}
	engine, err := bootstrap.Open(ctx, cfg.Engine, logger.Nop(), nil)
	if err != nil {
		fail("connecting: %v", err)
	}
	return engine
}

func migrate(ctx context.Context) {
	cfg, err := config.LoadWorker()
	if err != nil {
		fail("%v", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Storage.Pool())
	if err != nil {
		fail("connecting: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		fail("%v", err)
	}
	fmt.Println("Schema is up to date")
}

func listSequences(ctx context.Context) {
	engine := openEngine(ctx)
	defer engine.Close()

	defs, err := engine.Service.ListSequences(ctx)
	if err != nil {
		fail("listing sequences: %v", err)
	}
	if len(defs) == 0 {
		fmt.Println("No sequences found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCURRENT\tACTIVE\tSEGMENTED")
	for _, d := range defs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%t\n", d.ID, d.Name, d.CurrentValue, d.Active, d.Segmentation.Enabled)
	}
	_ = w.Flush()
}

func showStats(ctx context.Context) {
	name := flagValue("--name")
	if name == "" {
		fail("--name is required")
	}

	engine := openEngine(ctx)
	defer engine.Close()

	def, err := engine.Service.GetSequenceByName(ctx, name)
	if err != nil {
		fail("%v", err)
	}
	st, err := engine.Service.Stats(ctx, def.ID, flagValue("--segment"))
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("Sequence:    %s (%s)\n", def.Name, def.ID)
	fmt.Printf("Current:     %d\n", st.Current)
	fmt.Printf("Issued:      %d\n", st.Issued)
	fmt.Printf("Remaining:   %d\n", st.Remaining)
	fmt.Printf("Utilization: %s%%\n", st.Utilization)
	fmt.Printf("Exhausted:   %t\n", st.Exhausted)
}

func cleanup(ctx context.Context) {
	engine := openEngine(ctx)
	defer engine.Close()

	res, err := engine.Service.CleanupExpiredReservations(ctx)
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("Expired %d blocks and %d reservations (%d sequences busy)\n", res.Blocks, res.Reservations, res.Skipped)
}

func issueToken() {
	sub := flagValue("--sub")
	if sub == "" {
		fail("--sub is required")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fail("JWT_SECRET environment variable is required")
	}

	jwtCfg := auth.DefaultJWTConfig(secret)
	if issuer := os.Getenv("JWT_ISSUER"); issuer != "" {
		jwtCfg.Issuer = issuer
	}

	actor := appctx.ActorContext{
		ActorID: sub,
		Name:    flagValue("--name"),
		IsAdmin: hasFlag("--admin"),
	}
	if entity := flagValue("--entity"); entity != "" {
		entityType, entityID, ok := strings.Cut(entity, ":")
		if !ok {
			fail("--entity must be type:id")
		}
		actor.EntityType, actor.EntityID = entityType, entityID
	}

	token, expiresAt, err := auth.NewJWTService(jwtCfg).GenerateAccessToken(actor)
	if err != nil {
		fail("%v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
}
