// remoteagent runs a tool-using model agent that operates the host it is
// installed on, driven over an authenticated HTTP API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opirc/remoteagent/internal/infra/config"
	"github.com/opirc/remoteagent/internal/infra/logging"
	"github.com/opirc/remoteagent/internal/infra/sqlite"
	"github.com/opirc/remoteagent/internal/version"
	pkgauth "github.com/opirc/remoteagent/pkg/auth"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("remoteagent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	showVersion := fs.Bool("version", false, "Show version information")
	showHelp := fs.Bool("help", false, "Show help")
	configPath := fs.String("config", "", "Path to a YAML config file")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err) //nolint:errcheck
		return 2
	}

	if *showVersion {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}
	if *showHelp {
		printHelp(out)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}

	var err error
	switch rest[0] {
	case "serve":
		err = serve(*configPath, errOut)
	case "migrate":
		err = migrate(*configPath, out)
	case "hash-password":
		err = hashPassword(rest[1:], in, out)
	case "version":
		fmt.Fprintln(out, version.String()) //nolint:errcheck
	case "help":
		printHelp(out)
	default:
		fmt.Fprintf(errOut, "error: unknown command %q\n", rest[0]) //nolint:errcheck
		return 2
	}
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err) //nolint:errcheck
		return 1
	}
	return 0
}

func serve(configPath string, logOut io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logOut, level, cfg.Log.Format, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

func migrate(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is not set")
	}
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	v, err := sqlite.MigrationVersion(db)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "database %s at schema version %d\n", cfg.Database.Path, v) //nolint:errcheck
	return nil
}

// hashPassword prints the bcrypt hash for OPERATOR_PASSWORD_HASH. The
// password comes from the argument or, if absent, the first line of stdin.
func hashPassword(args []string, in io.Reader, out io.Writer) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password is empty")
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash) //nolint:errcheck
	return nil
}

func printHelp(out io.Writer) {
	helpText := `remoteagent - remote-control agent for this host

Usage:
  remoteagent [options] <command>

Options:
  --config PATH   YAML config file (default: $REMOTEAGENT_CONFIG)
  --version       Show version information
  --help          Show this help message

Commands:
  serve           Start the HTTP API
  migrate         Apply database migrations
  hash-password   Print a bcrypt hash for OPERATOR_PASSWORD_HASH
  version         Show version information

Examples:
  remoteagent --config /etc/remoteagent.yaml serve
  remoteagent migrate
  echo 's3cret' | remoteagent hash-password`
	fmt.Fprintln(out, helpText) //nolint:errcheck
}
