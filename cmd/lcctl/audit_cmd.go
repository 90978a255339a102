package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kase1111-hash/learning-contracts/pkg/archive"
	"github.com/kase1111-hash/learning-contracts/pkg/audit"
)

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, verify and export the audit trail",
	}
	cmd.AddCommand(
		c.auditTailCmd(),
		c.auditQueryCmd(),
		c.auditVerifyCmd(),
		c.auditExportCmd(),
	)
	return cmd
}

func parseTime(flag, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, usagef("--%s: %v", flag, err)
	}
	t = t.UTC()
	return &t, nil
}

func (c *cli) auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				events, err := a.audit.Query(audit.QueryOptions{Limit: n})
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, events)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	return cmd
}

func (c *cli) auditQueryCmd() *cobra.Command {
	var (
		contractID, actor, since, until, expr string
		types                                 []string
		denied, allowed                       bool
		offset, limit                         int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query events",
		Example: `  lcctl audit query --contract lc-1 --type enforcement_violation
  lcctl audit query --expr 'event.details.hook == "recall"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if denied && allowed {
				return usagef("--denied and --allowed are mutually exclusive")
			}
			opts := audit.QueryOptions{
				ContractID: contractID,
				Actor:      actor,
				Expr:       expr,
				Offset:     offset,
				Limit:      limit,
			}
			for _, t := range types {
				opts.EventTypes = append(opts.EventTypes, audit.EventType(t))
			}
			var err error
			if opts.Since, err = parseTime("since", since); err != nil {
				return err
			}
			if opts.Until, err = parseTime("until", until); err != nil {
				return err
			}
			if denied || allowed {
				opts.Allowed = &allowed
			}

			return c.withApp(cmd, func(_ context.Context, a *app) error {
				events, err := a.audit.Query(opts)
				if errors.Is(err, audit.ErrInvalidQuery) {
					return usagef("%v", err)
				}
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, events)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&contractID, "contract", "", "contract id")
	fl.StringSliceVar(&types, "type", nil, "event type (repeatable)")
	fl.StringVar(&actor, "actor", "", "actor")
	fl.StringVar(&since, "since", "", "earliest timestamp (RFC 3339)")
	fl.StringVar(&until, "until", "", "latest timestamp (RFC 3339)")
	fl.BoolVar(&denied, "denied", false, "only denied decisions")
	fl.BoolVar(&allowed, "allowed", false, "only allowed decisions")
	fl.StringVar(&expr, "expr", "", "CEL predicate over the event")
	fl.IntVar(&offset, "offset", 0, "skip this many results")
	fl.IntVar(&limit, "limit", 0, "maximum results (0 for all)")
	return cmd
}

func (c *cli) auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				if err := a.audit.VerifyChain(); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.stdout, "chain ok: %d events, head %s\n", a.audit.Count(), a.audit.ChainHead())
				return err
			})
		},
	}
}

func (c *cli) auditExportCmd() *cobra.Command {
	var contractID, since, until, out string
	var publish bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an evidence pack (zip of events and manifest)",
		Example: `  lcctl audit export --contract lc-1 -o lc-1.zip
  lcctl audit export --since 2026-01-01T00:00:00Z --publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" && !publish {
				return usagef("one of --output or --publish is required")
			}
			req := audit.PackRequest{ContractID: contractID}
			start, err := parseTime("since", since)
			if err != nil {
				return err
			}
			end, err := parseTime("until", until)
			if err != nil {
				return err
			}
			if start != nil {
				req.StartTime = *start
			}
			if end != nil {
				req.EndTime = *end
			}

			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				pack, sum, err := audit.NewExporter(a.audit).GeneratePack(ctx, req)
				if err != nil {
					return err
				}
				result := map[string]any{"sha256": sum, "bytes": len(pack)}

				if out != "" {
					if err := os.WriteFile(out, pack, 0o600); err != nil {
						return fmt.Errorf("write pack: %w", err)
					}
					result["path"] = out
				}
				if publish {
					if a.archive == nil {
						return usagef("--publish needs audit.archive.type to be configured")
					}
					digest, err := archive.Publish(ctx, a.archive, pack, sum)
					if err != nil {
						return fmt.Errorf("publish pack: %w", err)
					}
					result["digest"] = digest
				}
				return writeJSON(c.stdout, result)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&contractID, "contract", "", "only events for this contract")
	fl.StringVar(&since, "since", "", "earliest timestamp (RFC 3339)")
	fl.StringVar(&until, "until", "", "latest timestamp (RFC 3339)")
	fl.StringVarP(&out, "output", "o", "", "write the pack to this file")
	fl.BoolVar(&publish, "publish", false, "store the pack in the configured evidence archive")
	return cmd
}
