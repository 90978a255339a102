package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kase1111-hash/learning-contracts/pkg/config"
	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
	"github.com/kase1111-hash/learning-contracts/pkg/store"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func (c *cli) doctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, ok := c.runDoctor(cmd)
			if asJSON {
				if err := writeJSON(c.stdout, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					_, _ = fmt.Fprintf(c.stdout, "  %-5s %-14s %s\n", r.Status, r.Name, r.Detail)
				}
			}
			if !ok {
				return fmt.Errorf("doctor: one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func (c *cli) runDoctor(cmd *cobra.Command) ([]checkResult, bool) {
	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()}), false
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: "loaded"})

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, c.stderr)
	if err != nil {
		return append(results, checkResult{Name: "backends", Status: "fail", Detail: err.Error()}), false
	}
	defer a.close(ctx)

	ok := true
	count, err := a.repo.Count(ctx)
	if err != nil {
		results = append(results, checkResult{Name: "store", Status: "fail", Detail: err.Error()})
		ok = false
	} else {
		results = append(results, checkResult{Name: "store", Status: "ok",
			Detail: fmt.Sprintf("%s backend, %d contracts", cfg.Storage.Backend, count)})
	}
	if cfg.Storage.Backend == "memory" {
		results = append(results, checkResult{Name: "store", Status: "warn",
			Detail: "memory backend does not persist between invocations"})
	}

	if cfg.Audit.Sink == "none" {
		results = append(results, checkResult{Name: "audit", Status: "warn",
			Detail: "no audit sink configured; events are lost when the process exits"})
	} else if err := a.audit.VerifyChain(); err != nil {
		results = append(results, checkResult{Name: "audit", Status: "fail", Detail: err.Error()})
		ok = false
	} else {
		results = append(results, checkResult{Name: "audit", Status: "ok",
			Detail: fmt.Sprintf("%s sink, %d events, chain intact", cfg.Audit.Sink, a.audit.Count())})
	}

	active, _ := a.lifecycle.List(ctx, store.Filter{State: contracts.StateActive})
	due := 0
	for _, ct := range active {
		if a.lifecycle.IsExpired(ct) {
			due++
		}
	}
	if due > 0 {
		results = append(results, checkResult{Name: "expiry", Status: "warn",
			Detail: fmt.Sprintf("%d active contracts are past expiration; run contract expire-due", due)})
	}
	if a.overrides.IsActive() {
		results = append(results, checkResult{Name: "override", Status: "warn",
			Detail: fmt.Sprintf("engaged, blocking %d active contracts", len(active))})
	} else {
		results = append(results, checkResult{Name: "override", Status: "ok", Detail: "not engaged"})
	}

	if cfg.Audit.Archive.Type == "" {
		results = append(results, checkResult{Name: "archive", Status: "warn", Detail: "evidence archive disabled"})
	} else {
		results = append(results, checkResult{Name: "archive", Status: "ok", Detail: cfg.Audit.Archive.Type})
	}

	if cfg.Telemetry.Enabled {
		results = append(results, checkResult{Name: "telemetry", Status: "ok", Detail: cfg.Telemetry.Endpoint})
	} else {
		results = append(results, checkResult{Name: "telemetry", Status: "ok", Detail: "disabled"})
	}
	return results, ok
}
