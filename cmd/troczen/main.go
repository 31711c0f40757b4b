// Command troczen runs a TrocZen wallet from the command line. Offers and
// acknowledgments travel as base64 text; rendering them as QR codes is left
// to the caller.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/troczen/wallet/v2/internal/config"
)

const defaultConfigPath = "troczen.yaml"

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(env *cmdEnv, args []string) error
}

// cmdEnv carries what every command receives.
type cmdEnv struct {
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

// loadConfig reads the configuration file. A missing default file falls back
// to defaults so the relay can run without init.
func (e *cmdEnv) loadConfig() (*config.Config, error) {
	path := e.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	return config.Load(path)
}

var commands = []command{
	{"init", "create a configuration, market key and device identity", cmdInit},
	{"issue", "issue a new voucher held by this device", cmdIssue},
	{"list", "list the vouchers on this device", cmdList},
	{"offer", "offer a voucher and wait for the acknowledgment", cmdOffer},
	{"accept", "accept an offer and print the acknowledgment", cmdAccept},
	{"reconcile", "settle interrupted transfers", cmdReconcile},
	{"relay", "run a development relay", cmdRelay},
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "troczen: %s\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("troczen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	configPath := fs.StringP("config", "c", envOr("TROCZEN_CONFIG", defaultConfigPath), "path to the configuration file")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}

	if fs.NArg() == 0 {
		usage(stderr, fs)
		return errUsage
	}

	env := &cmdEnv{
		configPath: *configPath,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
	}

	name := fs.Arg(0)
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(env, fs.Args()[1:])
		}
	}

	fmt.Fprintf(stderr, "unknown command %q\n\n", name)
	usage(stderr, fs)

	return errUsage
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: troczen [flags] <command> [args]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", fs.FlagUsages())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
