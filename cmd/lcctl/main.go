// Command lcctl administers learning contracts: authoring and lifecycle,
// enforcement checks, the audit trail and the emergency override.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kase1111-hash/learning-contracts/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitUsage  = 2
	exitDenied = 3
)

// errDenied is returned by commands whose policy decision was a denial.
var errDenied = errors.New("denied")

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errDenied):
		return exitDenied
	case errors.As(err, new(usageError)):
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return exitUsage
	default:
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// cli carries the streams and global flags shared by every subcommand.
type cli struct {
	stdout, stderr io.Writer
	configPath     string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "lcctl",
		Short: "Administer learning contracts",
		Long: `lcctl manages learning contracts: explicit, auditable grants that say what
an agent may remember, generalize, recall and export.

Configuration is read from --config (YAML) and LC_* environment variables,
for example LC_STORAGE_BACKEND=sqlite or LC_AUDIT_SINK=sqlite.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (YAML)")

	root.AddCommand(
		c.contractCmd(),
		c.checkCmd(),
		c.auditCmd(),
		c.overrideCmd(),
		c.doctorCmd(),
	)
	return root
}

// withApp loads configuration, wires the subsystems, runs fn and tears
// everything down again.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, c.stderr)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
