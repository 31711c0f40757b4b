package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/troczen/wallet/v2/internal/reconcile"
)

var errUndecided = errors.New("left undecided by the operator")

// promptResolver asks the operator on a terminal.
type promptResolver struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPromptResolver(in io.Reader, out io.Writer) *promptResolver {
	return &promptResolver{in: bufio.NewReader(in), out: out}
}

func (p *promptResolver) Resolve(ctx context.Context, ghost *reconcile.Ghost) (reconcile.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fmt.Fprintln(p.out)
	switch ghost.Side {
	case reconcile.SideReceiver:
		fmt.Fprintf(p.out, "Voucher %s (%s, %s) was passed on from another device after you received it.\n",
			ghost.VoucherID, formatValue(ghost.Value), ghost.IssuerName)
		for _, ev := range ghost.Events {
			fmt.Fprintf(p.out, "  transfer at %s\n", ev.CreatedAt.Format(time.RFC3339))
		}
		fmt.Fprint(p.out, "Treat it as spent on this device? [y]es / [n]o / [s]kip: ")
	default:
		fmt.Fprintf(p.out, "Voucher %s (%s, %s) was offered at %s but the transfer was never confirmed.\n",
			ghost.VoucherID, formatValue(ghost.Value), ghost.IssuerName, ghost.LockedAt.Format(time.RFC3339))
		if !ghost.RelayAvailable {
			fmt.Fprintln(p.out, "The relay could not be reached to check.")
		}
		for _, ev := range ghost.Events {
			fmt.Fprintf(p.out, "  relay shows a transfer at %s under another challenge\n", ev.CreatedAt.Format(time.RFC3339))
		}
		fmt.Fprint(p.out, "Did the recipient receive it? [y]es / [n]o / [s]kip: ")
	}

	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return 0, fmt.Errorf("%w: %v", errUndecided, err)
	}

	return parseDecision(line)
}

func parseDecision(answer string) (reconcile.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return reconcile.DecisionFinalized, nil
	case "n", "no":
		return reconcile.DecisionNotFinalized, nil
	default:
		return 0, errUndecided
	}
}
