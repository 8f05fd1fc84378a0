package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/database"
	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/services"
	"github.com/opsnotes/warden/internal/version"
	"gorm.io/gorm"
)

// Exit codes: 0 success, 1 storage error, 2 validation or usage error.
const (
	exitOK         = 0
	exitStorage    = 1
	exitValidation = 2
)

const usage = `wardenctl — manage the mitigation engine's IP lists

Usage:
  wardenctl add -ip <ip> -type <whitelist|blacklist|temporary> [-reason <text>] [-ttl <seconds>]
  wardenctl remove -ip <ip> -type <list type>
  wardenctl list -type <list type>
  wardenctl status [-ip <ip>]
  wardenctl cleanup
  wardenctl gen-token [-name <credential name>]
  wardenctl version
`

func main() {
	logger.Init(false, os.Stderr)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitValidation)
	}

	if os.Args[1] == "version" {
		fmt.Printf("%s %s\n", version.Name, version.Full())
		os.Exit(exitOK)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: load config: %v\n", err)
		os.Exit(exitValidation)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: open database: %v\n", err)
		os.Exit(exitStorage)
	}
	if err := database.Migrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: migrate database: %v\n", err)
		os.Exit(exitStorage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()

	os.Exit(run(ctx, db, cfg, os.Args[1], os.Args[2:]))
}

func run(ctx context.Context, db *gorm.DB, cfg config.Config, command string, args []string) int {
	lists := services.NewIPListService(db)

	switch command {
	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		ip := fs.String("ip", "", "IP address")
		listType := fs.String("type", "", "list type")
		reason := fs.String("reason", "manual", "reason for the entry")
		ttl := fs.Int("ttl", 0, "TTL in seconds (required for temporary)")
		_ = fs.Parse(args)

		entry, err := lists.Add(ctx, *ip, *listType, *reason, *ttl)
		if err != nil {
			return fail(err)
		}
		if entry.ExpiresAt != nil {
			fmt.Printf("OK: added %s to %s (expires %s)\n", *ip, *listType, entry.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Printf("OK: added %s to %s (permanent)\n", *ip, *listType)
		}
		return exitOK

	case "remove":
		fs := flag.NewFlagSet("remove", flag.ExitOnError)
		ip := fs.String("ip", "", "IP address")
		listType := fs.String("type", "", "list type")
		_ = fs.Parse(args)

		if err := lists.Remove(ctx, *ip, *listType); err != nil {
			return fail(err)
		}
		fmt.Printf("OK: removed %s from %s\n", *ip, *listType)
		return exitOK

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		listType := fs.String("type", "", "list type")
		_ = fs.Parse(args)

		entries, err := lists.List(ctx, *listType)
		if err != nil {
			return fail(err)
		}
		if len(entries) == 0 {
			fmt.Printf("OK: %s is empty\n", *listType)
			return exitOK
		}
		for _, entry := range entries {
			expiry := "permanent"
			if entry.ExpiresAt != nil {
				expiry = "expires " + entry.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\t%s\n", entry.IP, entry.Reason, entry.AddedAt.Format(time.RFC3339), expiry)
		}
		return exitOK

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		ip := fs.String("ip", "", "resolve one IP instead of showing detectors")
		_ = fs.Parse(args)

		if *ip != "" {
			result, err := lists.Lookup(ctx, *ip)
			if err != nil {
				return fail(err)
			}
			if result.Status == services.StatusTemporarilyBlocked {
				fmt.Printf("OK: %s is %s for another %s (%s)\n", *ip, result.Status, result.RemainingTTL.Round(time.Second), result.Reason)
			} else {
				fmt.Printf("OK: %s is %s\n", *ip, result.Status)
			}
			return exitOK
		}

		ddos := services.NewDDoSService(db, lists, noopEmitter{}, cfg.DDoS)
		states, err := ddos.Status(ctx)
		if err != nil {
			return fail(err)
		}
		if len(states) == 0 {
			fmt.Println("OK: no detector state recorded")
			return exitOK
		}
		for _, state := range states {
			fmt.Printf("%s\t%s\tsince %s\n", state.Scope, state.State, state.EnteredAt.Format(time.RFC3339))
		}
		return exitOK

	case "cleanup":
		removed, err := lists.SweepExpired(ctx)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("OK: removed %d expired entries\n", removed)
		return exitOK

	case "gen-token":
		fs := flag.NewFlagSet("gen-token", flag.ExitOnError)
		name := fs.String("name", "default", "credential name")
		_ = fs.Parse(args)

		token, err := services.NewAdminService(db).GenerateToken(*name)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("OK: break-glass token for %q (store it now, it is not shown again):\n%s\n", *name, token)
		return exitOK

	default:
		fmt.Fprint(os.Stderr, usage)
		return exitValidation
	}
}

// fail prints an explicit failure and picks the exit code by error class.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
	if errors.Is(err, services.ErrInvalidIP) ||
		errors.Is(err, services.ErrInvalidListType) ||
		errors.Is(err, services.ErrTTLRequired) ||
		errors.Is(err, services.ErrEntryNotFound) {
		return exitValidation
	}
	return exitStorage
}

// noopEmitter satisfies alerting.Emitter for read-only status queries.
type noopEmitter struct{}

func (noopEmitter) Emit(component, level, dedupKey, message string) error { return nil }
