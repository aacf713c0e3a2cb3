// relayctl is the operator CLI for the relay: it issues invites, deactivates
// clients, sweeps expired nonces and applies the database schema. It reads
// the same RELAY_* environment as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"relay/cmd/internal/app"
	"relay/cmd/internal/invite"
	"relay/cmd/internal/schema"
)

var errNoDatabase = errors.New("no database configured: set RELAY_DATABASE_URL or RELAY_SQLITE_PATH")

const usage = `usage: relayctl <command> [flags]

commands:
  invite create      issue a new invite code
  client deactivate  deactivate a client credential
  nonce sweep        delete expired nonce records once
  migrate            apply the database schema
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	cmd := args[0]
	if len(args) > 1 && !strings.HasPrefix(args[1], "-") {
		cmd += " " + args[1]
		args = args[2:]
	} else {
		args = args[1:]
	}

	switch cmd {
	case "invite create":
		return inviteCreate(ctx, args, stdout, stderr)
	case "client deactivate":
		return clientDeactivate(ctx, args, stdout, stderr)
	case "nonce sweep":
		return nonceSweep(ctx, args, stdout, stderr)
	case "migrate":
		return migrate(ctx, args, stdout, stderr)
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parse reports done=true when help was requested.
func parse(fs *pflag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// openStores opens the configured durable backend. Process memory is refused:
// nothing written there would outlive the command.
func openStores(ctx context.Context, stderr io.Writer) (*app.Stores, app.Config, error) {
	cfg := app.LoadConfig()
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return nil, cfg, errNoDatabase
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, cfg, err
	}
	return st, cfg, nil
}

func inviteCreate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("invite create", stderr)
	maxUses := fs.Int("max-uses", 1, "number of redemptions allowed")
	ttl := fs.Duration("ttl", 0, "invite lifetime (0 = default 7 days, negative = never expires)")
	createdBy := fs.String("created-by", "", "operator label stored with the invite")
	if done, err := parse(fs, args); done || err != nil {
		return err
	}

	st, cfg, err := openStores(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()

	sl, err := app.NewSealer(cfg)
	if err != nil {
		return err
	}
	svc, err := invite.NewService(st.Invites, invite.WithSealer(sl))
	if err != nil {
		return err
	}

	in := invite.CreateInput{MaxUses: *maxUses, TTL: *ttl}
	if *createdBy != "" {
		in.CreatedBy = createdBy
	}
	inv, code, err := svc.CreateInvite(ctx, in)
	if err != nil {
		return err
	}

	// The plaintext code is shown once; only its hash is stored.
	fmt.Fprintf(stdout, "invite_code: %s\n", code)
	fmt.Fprintf(stdout, "max_uses: %d\n", inv.MaxUses)
	if inv.ExpiresAt != nil {
		fmt.Fprintf(stdout, "expires_at: %s\n", inv.ExpiresAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(stdout, "expires_at: never")
	}
	return nil
}

func clientDeactivate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("client deactivate", stderr)
	clientID := fs.String("client-id", "", "client id to deactivate")
	if done, err := parse(fs, args); done || err != nil {
		return err
	}
	if *clientID == "" && fs.NArg() == 1 {
		*clientID = fs.Arg(0)
	}
	if strings.TrimSpace(*clientID) == "" {
		return errors.New("client deactivate: --client-id is required")
	}

	st, _, err := openStores(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Credentials.Deactivate(ctx, *clientID, time.Now().UTC()); err != nil {
		return fmt.Errorf("client deactivate: %w", err)
	}
	fmt.Fprintf(stdout, "deactivated: %s\n", *clientID)
	return nil
}

func nonceSweep(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("nonce sweep", stderr)
	if done, err := parse(fs, args); done || err != nil {
		return err
	}

	st, _, err := openStores(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Nonces.CleanupExpired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("nonce sweep: %w", err)
	}
	fmt.Fprintf(stdout, "removed: %d\n", n)
	return nil
}

func migrate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("migrate", stderr)
	if done, err := parse(fs, args); done || err != nil {
		return err
	}

	// OpenStores migrates SQLite on open; Postgres gets the shipped DDL.
	st, cfg, err := openStores(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()

	if pool := st.Pool(); pool != nil {
		if err := schema.ApplyPostgres(ctx, pool, cfg.DBSchema); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(stdout, "migrated: postgres schema %s\n", cfg.DBSchema)
		return nil
	}
	fmt.Fprintf(stdout, "migrated: sqlite %s\n", cfg.SQLitePath)
	return nil
}
