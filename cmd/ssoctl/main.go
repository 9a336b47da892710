// ssoctl administers the SSO broker's database: schema migrations, the
// expired-token sweep and relying-service registration.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/example/crafteriauth/internal/config"
	"github.com/example/crafteriauth/internal/logging"
	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/token"
	"github.com/spf13/pflag"
)

const usage = `usage: ssoctl <command> [flags]

commands:
  migrate up|down [--steps N]   apply or roll back Postgres migrations
  migrate version               print the current migration version
  migrate force --version N     mark the schema as version N
  sweep                         delete expired tokens
  service register --name N --domain D
  service list
  service activate --domain D
  service deactivate --domain D
`

var errUsage = errors.New("invalid usage")

type cli struct {
	cfg  *config.Config
	out  io.Writer
	log  logging.Logger
	open func(ctx context.Context) (store.Store, error)
}

func main() {
	c, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: config: %v\n", err)
		os.Exit(1)
	}
	log := logging.NewWithWriter(os.Stderr, c.LogLevel, "console")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli{cfg: c, out: os.Stdout, log: log}
	app.open = app.openStore
	if err := app.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) openStore(ctx context.Context) (store.Store, error) {
	opts := store.Options{
		Adapter:    c.cfg.DBAdapter,
		SQLiteFile: c.cfg.SQLiteFile,
		Pool:       store.PoolOptions{MaxOpenConns: 2, MaxIdleConns: 1},
		Migrate:    c.cfg.MigrateOnStart,
	}
	if c.cfg.DBAdapter == "postgres" {
		dsn, err := c.cfg.BuildPostgresDSN()
		if err != nil {
			return nil, err
		}
		opts.PostgresDSN = dsn
	}
	return store.Open(ctx, opts, logging.With(c.log, logging.Fields{"adapter": c.cfg.DBAdapter}))
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	switch args[0] {
	case "migrate":
		return c.migrate(args[1:])
	case "sweep":
		return c.sweep(ctx)
	case "service":
		return c.service(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(c.out, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (c *cli) migrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: migrate needs up, down, version or force", errUsage)
	}
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	steps := fs.Int("steps", 0, "number of migration steps (0 = all)")
	version := fs.Int("version", -1, "target version for force")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if c.cfg.DBAdapter != "postgres" {
		return fmt.Errorf("migrations only apply to PostgreSQL (DB_ADAPTER=%s)", c.cfg.DBAdapter)
	}
	dsn, err := c.cfg.BuildPostgresDSN()
	if err != nil {
		return err
	}
	mg, err := store.NewMigrator(dsn, c.log)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch args[0] {
	case "up":
		if err := mg.Up(*steps); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "migrations applied")
	case "down":
		if err := mg.Down(*steps); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "migrations rolled back")
	case "version":
		v, dirty, err := mg.Version()
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d)", v)
		}
		fmt.Fprintf(c.out, "version %d\n", v)
	case "force":
		if *version < 0 {
			return fmt.Errorf("%w: force needs --version", errUsage)
		}
		if err := mg.Force(*version); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "forced version %d\n", *version)
	default:
		return fmt.Errorf("%w: unknown migrate command %q", errUsage, args[0])
	}
	return nil
}

func (c *cli) sweep(ctx context.Context) error {
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := token.NewSweeper(s, c.log).SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "deleted %d expired tokens\n", n)
	return nil
}

func (c *cli) service(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: service needs register, list, activate or deactivate", errUsage)
	}
	fs := pflag.NewFlagSet("service", pflag.ContinueOnError)
	name := fs.String("name", "", "service display name")
	domain := fs.String("domain", "", "service domain, host[:port]")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	reg := registry.New(s, c.log)

	switch args[0] {
	case "register":
		if *name == "" || *domain == "" {
			return fmt.Errorf("%w: register needs --name and --domain", errUsage)
		}
		r, err := reg.RegisterService(ctx, *name, *domain)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "registered %s (%s)\nclient id: %s\napi key:   %s\n", r.Service.Name, r.Service.Domain, r.Service.ClientID, r.APIKey)
		fmt.Fprintln(c.out, "store the api key now; it cannot be shown again")
	case "list":
		services, err := reg.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DOMAIN\tNAME\tCLIENT ID\tACTIVE\tCREATED")
		for _, svc := range services {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", svc.Domain, svc.Name, svc.ClientID, svc.Active, svc.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	case "activate", "deactivate":
		if *domain == "" {
			return fmt.Errorf("%w: %s needs --domain", errUsage, args[0])
		}
		svc, err := reg.SetActive(ctx, *domain, args[0] == "activate")
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s active=%t\n", svc.Domain, svc.Active)
	default:
		return fmt.Errorf("%w: unknown service command %q", errUsage, args[0])
	}
	return nil
}
