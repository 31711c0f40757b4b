package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/troczen/wallet/v2/internal/config"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/reconcile"
	"github.com/troczen/wallet/v2/internal/transfer"
	"github.com/troczen/wallet/v2/internal/voucher"
	"github.com/troczen/wallet/v2/internal/wallet"
)

var (
	errAckTimeout = errors.New("no acknowledgment received")
	errNoPayload  = errors.New("empty payload")
)

func newFlagSet(env *cmdEnv, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%s: %w", fs.Name(), err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdInit(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "init")
	defaults := config.Default()
	dataDir := fs.String("data-dir", defaults.DataDir, "directory for the database, keys and journals")
	market := fs.String("market", defaults.Market.Name, "market name")
	marketKey := fs.String("market-key", "", "hex market key shared by all members (generated when empty)")
	relayURL := fs.String("relay", defaults.Relay.URL, "relay websocket url")
	shares := fs.Int("shares", defaults.Shares.Total, "key shares per issued voucher: 2, or 3 to keep an admin share")
	force := fs.Bool("force", false, "overwrite an existing configuration")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if _, err := os.Stat(env.configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists, use --force to overwrite", env.configPath)
	}

	cfg := config.Default()
	cfg.DataDir = *dataDir
	cfg.Market.Name = *market
	cfg.Market.Key = *marketKey
	cfg.Relay.URL = *relayURL
	cfg.Shares.Total = *shares

	if cfg.Market.Key == "" {
		key, err := crypto.RandomBytes(crypto.HKDFKeySize)
		if err != nil {
			return err
		}
		cfg.Market.Key = hex.EncodeToString(key)
		crypto.SecureErase(key)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg, env.configPath); err != nil {
		return err
	}

	ks, err := crypto.NewKeyStore(cfg.KeyDir())
	if err != nil {
		return err
	}
	identity, err := ks.LoadOrGenerate()
	if err != nil {
		return err
	}
	defer identity.Erase()

	fmt.Fprintf(env.stdout, "configuration written to %s\n", env.configPath)
	fmt.Fprintf(env.stdout, "device key: %s\n", hex.EncodeToString(identity.PublicKey))
	fmt.Fprintf(env.stdout, "market %q: give market.key to every member\n", cfg.Market.Name)

	return nil
}

func cmdIssue(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "issue")
	value := fs.Uint32("value", 0, "value in minor units")
	issuer := fs.String("issuer", "", "issuer name shown to holders")
	expires := fs.Duration("expires", 0, "validity, zero for no expiry")
	skip := fs.Bool("skip-reconcile", false, "do not settle interrupted transfers first")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return withWallet(cfg, nil, func(app *walletApp) error {
		if !*skip {
			startupReconcile(ctx, env, app)
		}

		req := wallet.IssueRequest{Value: *value, IssuerName: *issuer}
		if *expires > 0 {
			req.ExpiresAt = time.Now().Add(*expires)
		}

		v, err := app.Wallet.Issue(ctx, req)
		if err != nil {
			return err
		}

		fmt.Fprintf(env.stdout, "%s\n", v.ID)
		fmt.Fprintf(env.stderr, "issued %s worth %s (%s)\n", v.ID, formatValue(v.Value), v.Rarity())

		return nil
	})
}

func cmdList(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "list")
	status := fs.String("status", "", "only show vouchers with this status")
	skip := fs.Bool("skip-reconcile", false, "do not settle interrupted transfers first")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return withWallet(cfg, nil, func(app *walletApp) error {
		if !*skip {
			startupReconcile(ctx, env, app)
		}

		vouchers, err := app.Wallet.List()
		if err != nil {
			return err
		}

		return writeVoucherTable(env.stdout, vouchers, voucher.Status(*status), time.Now())
	})
}

func writeVoucherTable(w io.Writer, vouchers []*voucher.Voucher, status voucher.Status, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVALUE\tISSUER\tSTATUS\tRARITY\tTRANSFERS\tNOTE")

	for _, v := range vouchers {
		effective := v.EffectiveStatus(now)
		if status != "" && effective != status {
			continue
		}

		note := ""
		switch {
		case v.NeedsReview():
			note = "review: " + v.Review.Reason
		case v.Lock != nil:
			note = "locked until " + v.Lock.ExpiresAt().Format(time.RFC3339)
		case !v.ExpiresAt.IsZero() && effective == voucher.StatusActive:
			note = "expires " + v.ExpiresAt.Format("2006-01-02")
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			v.ID, formatValue(v.Value), v.IssuerName, effective, v.Rarity(), v.TransferCount, note)
	}

	return tw.Flush()
}

func cmdOffer(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "offer")
	ackTimeout := fs.Duration("ack-timeout", 0, "how long to wait for the acknowledgment (default: lock ttl)")
	skip := fs.Bool("skip-reconcile", false, "do not settle interrupted transfers first")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(env.stderr, "usage: troczen offer <voucher-id>")
		return errUsage
	}

	id, err := crypto.ParseVoucherID(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	if *ackTimeout <= 0 {
		*ackTimeout = cfg.LockTTL()
	}

	ctx, cancel := signalContext()
	defer cancel()

	return withWallet(cfg, nil, func(app *walletApp) error {
		if !*skip {
			startupReconcile(ctx, env, app)
		}

		sender, payload, err := app.Wallet.StartTransfer(ctx, id)
		if err != nil {
			return operatorError(app, err)
		}
		defer func() {
			if err := sender.Close(context.Background()); err != nil {
				app.Log.Warnf("failed to release lock on %s: %s", id, err)
			}
		}()

		fmt.Fprintln(env.stdout, encodePayload(payload))
		fmt.Fprintf(env.stderr, "waiting up to %s for the acknowledgment...\n", *ackTimeout)

		ack, err := readPayload(ctx, env.stdin, *ackTimeout)
		if err != nil {
			return operatorError(app, err)
		}

		if err := sender.HandleAck(ctx, ack); err != nil {
			return operatorError(app, err)
		}
		fmt.Fprintf(env.stderr, "voucher %s transferred\n", id)

		select {
		case <-sender.Published():
		case <-time.After(cfg.PublishTimeout()):
			app.Log.Warnf("transfer event of %s still publishing at exit", id)
		}

		return nil
	})
}

func cmdAccept(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "accept")
	skip := fs.Bool("skip-reconcile", false, "do not settle interrupted transfers first")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(env.stderr, "usage: troczen accept [offer]")
		return errUsage
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return withWallet(cfg, nil, func(app *walletApp) error {
		if !*skip {
			startupReconcile(ctx, env, app)
		}

		var offer []byte
		if fs.NArg() == 1 {
			offer, err = decodePayload(fs.Arg(0))
		} else {
			offer, err = readPayload(ctx, env.stdin, 0)
		}
		if err != nil {
			return operatorError(app, err)
		}

		v, ack, err := app.Wallet.Accept(ctx, offer)
		if err != nil {
			return operatorError(app, err)
		}

		fmt.Fprintln(env.stdout, encodePayload(ack))
		fmt.Fprintf(env.stderr, "received %s worth %s from %s\n", v.ID, formatValue(v.Value), v.IssuerName)

		return nil
	})
}

func cmdReconcile(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "reconcile")
	nonInteractive := fs.Bool("non-interactive", false, "leave ghost transfers undecided instead of asking")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}

	var resolver reconcile.Resolver
	if !*nonInteractive {
		resolver = newPromptResolver(env.stdin, env.stderr)
	}

	ctx, cancel := signalContext()
	defer cancel()

	return withWallet(cfg, resolver, func(app *walletApp) error {
		report, err := app.Wallet.Reconcile(ctx)
		if err != nil {
			return err
		}

		if *asJSON {
			enc := json.NewEncoder(env.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		return writeReport(env.stdout, report)
	})
}

func writeReport(w io.Writer, report *reconcile.Report) error {
	if !report.RelayAvailable {
		fmt.Fprintln(w, "relay unavailable: expired locks were settled manually")
	}
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "nothing to reconcile")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVALUE\tSIDE\tOUTCOME\tERROR")
	for _, res := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.VoucherID, formatValue(res.Value), res.Side, res.Outcome, res.Error)
	}

	return tw.Flush()
}

// startupReconcile settles what it can without asking. Ghosts stay for an
// explicit reconcile run.
func startupReconcile(ctx context.Context, env *cmdEnv, app *walletApp) {
	report, err := app.Wallet.Reconcile(ctx)
	if err != nil {
		app.Log.Warnf("startup reconciliation failed: %s", err)
		return
	}

	if n := len(report.Ambiguous()); n > 0 {
		fmt.Fprintf(env.stderr, "%d interrupted transfer(s) need a decision, run: troczen reconcile\n", n)
	}
	if n := report.Count(reconcile.OutcomeCorrupted); n > 0 {
		fmt.Fprintf(env.stderr, "%d voucher(s) need manual review\n", n)
	}
}

// operatorError logs the precise failure and returns the message an operator
// may see.
func operatorError(app *walletApp, err error) error {
	switch {
	case errors.Is(err, errAckTimeout), errors.Is(err, errNoPayload):
		return err
	case errors.Is(err, context.Canceled):
		return errors.New("interrupted")
	}

	app.Log.Warnf("transfer failed (%s): %s", transfer.ErrorKind(err), err)

	msg := transfer.OperatorError(err)
	return errors.New(msg.Text)
}

func encodePayload(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errNoPayload
	}

	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrInvalidOffer, err)
	}

	return b, nil
}

// readPayload reads one base64 line from r. A zero timeout waits until ctx
// is done.
func readPayload(ctx context.Context, r io.Reader, timeout time.Duration) ([]byte, error) {
	type result struct {
		line string
		err  error
	}

	lines := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		lines <- result{line, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-lines:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil, errNoPayload
			}
			return nil, res.err
		}
		return decodePayload(res.line)
	case <-expired:
		return nil, errAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func formatValue(v uint32) string {
	return fmt.Sprintf("%d.%02d", v/100, v%100)
}
