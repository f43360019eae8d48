package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/bootstrap"
	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/version"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "creditctl",
		Usage:   "administer the Tokligence credit ledger",
		Version: version.FullInfo(),
		Writer:  out,

		// main owns the exit code.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},

		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Value: ".", Usage: "directory holding config/"},
			&cli.BoolFlag{Name: "json", Usage: "print machine readable output"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log store activity to stderr"},
		},
		Commands: []*cli.Command{
			initCommand(),
			{
				Name:      "balance",
				Usage:     "show an account's balance",
				ArgsUsage: "<account>",
				Action:    withStores(runBalance),
			},
			{
				Name:      "history",
				Usage:     "list an account's transactions, newest first",
				ArgsUsage: "<account>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: ledger.DefaultListLimit},
					&cli.StringFlag{Name: "kind", Usage: "purchase, usage or refund"},
				},
				Action: withStores(runHistory),
			},
			{
				Name:      "grant",
				Usage:     "credit a manual purchase",
				ArgsUsage: "<account> <amount>",
				Flags:     creditFlags(),
				Action:    withStores(runGrant),
			},
			{
				Name:      "refund",
				Usage:     "return credits to an account",
				ArgsUsage: "<account> <amount>",
				Flags:     creditFlags(),
				Action:    withStores(runRefund),
			},
			{
				Name:      "reconcile",
				Usage:     "check that balances equal the sum of their transactions",
				ArgsUsage: "[account...]",
				Action:    withStores(runReconcile),
			},
			{
				Name:      "token",
				Usage:     "issue a session token for an account",
				ArgsUsage: "<account>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Value: auth.DefaultTTL},
				},
				Action: runToken,
			},
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "scaffold config/setting.ini and config/<env>/creditsd.ini",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Value: config.DefaultEnv},
			&cli.StringFlag{Name: "backend", Value: "sqlite", Usage: "memory, sqlite or postgres"},
			&cli.StringFlag{Name: "path", Usage: "sqlite database file"},
			&cli.StringFlag{Name: "dsn", Usage: "postgres connection string"},
			&cli.StringFlag{Name: "provider", Value: "loopback", Usage: "openai or loopback"},
			&cli.StringFlag{Name: "app-url"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite existing files"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := bootstrap.InitOptions{
				Root:          cmd.String("root"),
				Environment:   cmd.String("env"),
				AppURL:        cmd.String("app-url"),
				LedgerBackend: cmd.String("backend"),
				LedgerPath:    cmd.String("path"),
				LedgerDSN:     cmd.String("dsn"),
				Provider:      cmd.String("provider"),
				Force:         cmd.Bool("force"),
			}
			if err := bootstrap.Init(opts); err != nil {
				return err
			}
			settings, envFile := config.Paths(opts.Root, opts.Environment)
			fmt.Fprintf(cmd.Root().Writer, "wrote %s and %s\n", settings, envFile)
			return nil
		},
	}
}

func creditFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "reference", Aliases: []string{"r"}, Required: true, Usage: "idempotency key, e.g. a payment or ticket id"},
		&cli.StringFlag{Name: "description", Aliases: []string{"d"}},
	}
}

// session carries what every ledger command needs.
type session struct {
	cfg    config.Config
	stores bootstrap.Stores
	logger zerolog.Logger
	out    io.Writer
	json   bool
}

type action func(ctx context.Context, cmd *cli.Command, s *session) error

func withStores(fn action) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.Load(cmd.String("root"))
		if err != nil {
			return err
		}
		stores, err := bootstrap.OpenStores(cfg.Ledger)
		if err != nil {
			return err
		}
		defer stores.Close()

		level := zerolog.WarnLevel
		if cmd.Bool("verbose") {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Str("service", "creditctl").Logger()

		return fn(ctx, cmd, &session{
			cfg:    cfg,
			stores: stores,
			logger: logger,
			out:    cmd.Root().Writer,
			json:   cmd.Bool("json"),
		})
	}
}

func (s *session) crediter() *billing.Crediter {
	return billing.NewCrediter(s.stores.Ledger, billing.Options{Logger: s.logger})
}

func (s *session) print(v any, text string, args ...any) error {
	if s.json {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintf(s.out, text+"\n", args...)
	return err
}

func accountArg(cmd *cli.Command) (string, error) {
	account := strings.TrimSpace(cmd.Args().First())
	if account == "" {
		return "", cli.Exit("account argument required", 2)
	}
	return account, nil
}

func amountArgs(cmd *cli.Command) (string, credits.Amount, error) {
	account, err := accountArg(cmd)
	if err != nil {
		return "", credits.Amount{}, err
	}
	amount, err := credits.Parse(cmd.Args().Get(1))
	if err != nil {
		return "", credits.Amount{}, cli.Exit(fmt.Sprintf("invalid amount %q: %v", cmd.Args().Get(1), err), 2)
	}
	return account, amount, nil
}

func runBalance(ctx context.Context, cmd *cli.Command, s *session) error {
	account, err := accountArg(cmd)
	if err != nil {
		return err
	}
	balance, err := s.stores.Ledger.Balance(ctx, account)
	if err != nil {
		return err
	}
	return s.print(map[string]any{"account_id": account, "balance": balance}, "%s\t%s", account, balance)
}

func runHistory(ctx context.Context, cmd *cli.Command, s *session) error {
	account, err := accountArg(cmd)
	if err != nil {
		return err
	}
	q := ledger.Query{Limit: int(cmd.Int("limit")), Kind: ledger.Kind(strings.ToLower(cmd.String("kind")))}
	if q.Kind != "" && !q.Kind.Valid() {
		return cli.Exit(fmt.Sprintf("unknown kind %q", cmd.String("kind")), 2)
	}
	txs, err := s.stores.Ledger.ListTransactions(ctx, account, q)
	if err != nil {
		return err
	}
	if s.json {
		return s.print(txs, "")
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tAMOUNT\tREFERENCE\tDESCRIPTION")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Amount, tx.ExternalReference, tx.Description)
	}
	return tw.Flush()
}

func runGrant(ctx context.Context, cmd *cli.Command, s *session) error {
	account, amount, err := amountArgs(cmd)
	if err != nil {
		return err
	}
	if _, err := s.stores.Ledger.EnsureAccount(ctx, account); err != nil {
		return err
	}
	res, err := s.crediter().Credit(ctx, account, amount, cmd.String("reference"), cmd.String("description"))
	if err != nil {
		return err
	}
	return s.printCredit(account, res)
}

func runRefund(ctx context.Context, cmd *cli.Command, s *session) error {
	account, amount, err := amountArgs(cmd)
	if err != nil {
		return err
	}
	res, err := s.crediter().Refund(ctx, account, amount, cmd.String("reference"), cmd.String("description"))
	if err != nil {
		return err
	}
	return s.printCredit(account, res)
}

func (s *session) printCredit(account string, res billing.Credit) error {
	status := "applied"
	if res.AlreadyApplied {
		status = "already applied"
	}
	return s.print(map[string]any{
		"account_id":      account,
		"amount":          res.Amount,
		"balance":         res.Balance,
		"already_applied": res.AlreadyApplied,
	}, "%s: %s %s, balance %s", status, account, res.Amount, res.Balance)
}

var errUnbalanced = errors.New("ledger out of balance")

func runReconcile(ctx context.Context, cmd *cli.Command, s *session) error {
	accounts := cmd.Args().Slice()
	if len(accounts) == 0 {
		var err error
		if accounts, err = s.stores.Ledger.ListAccounts(ctx); err != nil {
			return err
		}
	}
	var (
		results []ledger.Reconciliation
		bad     int
	)
	for _, account := range accounts {
		r, err := s.stores.Ledger.Reconcile(ctx, account)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", account, err)
		}
		results = append(results, r)
		if !r.Balanced() {
			bad++
			s.logger.Error().Str("account_id", account).Str("balance", r.Balance.String()).Str("sum", r.Sum.String()).Msg("balance mismatch")
		}
	}
	if s.json {
		if err := s.print(results, ""); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ACCOUNT\tBALANCE\tSUM\tTRANSACTIONS\tOK")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", r.AccountID, r.Balance, r.Sum, r.Transactions, r.Balanced())
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d of %d accounts", errUnbalanced, bad, len(results))
	}
	return nil
}

func runToken(ctx context.Context, cmd *cli.Command) error {
	account, err := accountArg(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cmd.String("root"))
	if err != nil {
		return err
	}
	manager, err := auth.NewManager(cfg.Auth.Secret)
	if err != nil {
		return err
	}
	ttl := cmd.Duration("ttl")
	if !cmd.IsSet("ttl") && cfg.Auth.SessionTTL > 0 {
		ttl = cfg.Auth.SessionTTL
	}
	token, err := manager.IssueToken(account, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}
