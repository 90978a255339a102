package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/kase1111-hash/learning-contracts/pkg/archive"
	"github.com/kase1111-hash/learning-contracts/pkg/audit"
	"github.com/kase1111-hash/learning-contracts/pkg/config"
	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
	"github.com/kase1111-hash/learning-contracts/pkg/enforcement"
	"github.com/kase1111-hash/learning-contracts/pkg/lifecycle"
	"github.com/kase1111-hash/learning-contracts/pkg/observability"
	"github.com/kase1111-hash/learning-contracts/pkg/override"
	"github.com/kase1111-hash/learning-contracts/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// overrideActor is recorded when the override is engaged from configuration.
const overrideActor = "config"

// app holds the wired subsystems for one command invocation.
type app struct {
	cfg *config.Config
	log *slog.Logger

	repo      *store.Repository
	audit     *audit.Logger
	auditDB   *sql.DB
	auditSink *audit.AsyncSink
	overrides *override.Manager
	lifecycle *lifecycle.Manager
	engine    *enforcement.Engine
	telemetry *observability.Provider
	archive   archive.Store
}

// openApp wires every subsystem from cfg. On error, whatever was opened is
// closed again.
func openApp(ctx context.Context, cfg *config.Config, stderr io.Writer) (_ *app, err error) {
	a := &app{
		cfg: cfg,
		log: config.NewLogger(cfg.Log, stderr),
	}
	slog.SetDefault(a.log)
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if a.repo, err = openRepository(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if err = a.openAudit(ctx); err != nil {
		return nil, err
	}

	a.archive, err = archive.New(ctx, archive.Config{
		Type:       archive.Type(cfg.Audit.Archive.Type),
		Dir:        cfg.Audit.Archive.Dir,
		S3Bucket:   cfg.Audit.Archive.S3Bucket,
		S3Region:   cfg.Audit.Archive.S3Region,
		S3Prefix:   cfg.Audit.Archive.S3Prefix,
		S3Endpoint: cfg.Audit.Archive.S3Endpoint,
		GCSBucket:  cfg.Audit.Archive.GCSBucket,
		GCSPrefix:  cfg.Audit.Archive.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	a.lifecycle = lifecycle.NewManager(a.repo, a.audit,
		lifecycle.WithLogger(a.log.With("component", "lifecycle")),
		lifecycle.WithTelemetry(a.telemetry),
	)

	ocfg := override.Config{
		RequireConfirmation: cfg.Override.RequireConfirmation,
		AutoDisableAfter:    cfg.Override.AutoDisableAfter,
		BlockedLogRate:      rate.Limit(cfg.Override.BlockedLogRate),
	}
	if cfg.Override.JWTSecret != "" {
		ocfg.Verifier = override.JWTVerifier{Key: []byte(cfg.Override.JWTSecret), Issuer: cfg.Override.JWTIssuer}
	}
	a.overrides = override.NewManager(ocfg, a.audit, override.WithLogger(a.log.With("component", "override")))
	if err := a.syncOverride(ctx); err != nil {
		return nil, fmt.Errorf("override: %w", err)
	}

	a.engine = enforcement.New(a.lifecycle, a.audit, a.overrides,
		enforcement.WithLogger(a.log.With("component", "enforcement")),
		enforcement.WithTelemetry(a.telemetry),
	)
	return a, nil
}

// syncOverride aligns the override with configuration. An engagement is
// recorded once: later invocations resume it from the audit trail, and one
// disabled event is recorded when configuration turns it off or changes its
// reason.
func (a *app) syncOverride(ctx context.Context) error {
	cfg := a.cfg.Override
	last, err := a.audit.Query(audit.QueryOptions{
		EventTypes: []audit.EventType{audit.EventOverrideTriggered, audit.EventOverrideDisabled},
		Limit:      1,
	})
	if err != nil {
		return err
	}
	var engaged *audit.AuditEvent
	if len(last) == 1 && last[0].EventType == audit.EventOverrideTriggered && last[0].Actor == overrideActor {
		engaged = &last[0]
	}

	if engaged != nil {
		if cfg.Engaged && engaged.Reason == cfg.Reason {
			return a.overrides.Resume(ctx, overrideActor, engaged.Reason, engaged.Timestamp)
		}
		reason := "override disengaged in configuration"
		if cfg.Engaged {
			reason = "override reason changed in configuration"
		}
		if _, err := a.audit.Record(ctx, audit.Entry{
			EventType: audit.EventOverrideDisabled,
			Actor:     overrideActor,
			Reason:    reason,
			Details:   audit.OverrideDetails{DurationMillis: time.Since(engaged.Timestamp).Milliseconds()},
		}); err != nil {
			return err
		}
	}
	if !cfg.Engaged {
		return nil
	}

	active, err := a.lifecycle.List(ctx, store.Filter{State: contracts.StateActive})
	if err != nil {
		return err
	}
	_, err = a.overrides.Trigger(ctx, overrideActor, cfg.Reason, len(active))
	return err
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (*store.Repository, error) {
	var adapter store.Adapter
	switch cfg.Backend {
	case "memory":
		adapter = store.NewMemoryAdapter()
	case "file":
		var opts []store.FileOption
		if cfg.SealSecret != "" {
			opts = append(opts, store.WithSealSecret([]byte(cfg.SealSecret)))
		}
		adapter = store.NewFileAdapter(cfg.Path, opts...)
	case "sqlite":
		db, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		adapter = store.NewSQLAdapter(db)
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		adapter = store.NewSQLAdapter(db)
	case "redis":
		adapter = store.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}

	if err := adapter.Initialize(ctx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("store: initialize %s: %w", cfg.Backend, err)
	}
	return store.NewRepository(adapter), nil
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// openAudit creates the audit logger. With a SQL sink configured the table
// is the store of record: the stored chain is restored first and every
// append is written to it before the chain advances.
func (a *app) openAudit(ctx context.Context) error {
	cfg := a.cfg.Audit
	opts := []audit.Option{audit.WithLogger(a.log.With("component", "audit"))}

	var err error
	switch cfg.Sink {
	case "none":
	case "sqlite":
		a.auditDB, err = openSQLite(cfg.Path)
	case "postgres":
		a.auditDB, err = sql.Open("postgres", cfg.DSN)
	default:
		return fmt.Errorf("audit: unknown sink %q", cfg.Sink)
	}
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	var stored []audit.AuditEvent
	if a.auditDB != nil {
		sink := audit.NewSQLSink(a.auditDB)
		if err := sink.Init(ctx); err != nil {
			return fmt.Errorf("audit: init sink: %w", err)
		}
		if stored, err = sink.All(ctx); err != nil {
			return fmt.Errorf("audit: load stored events: %w", err)
		}
		opts = append(opts, audit.WithStore(sink))
	}

	a.audit = audit.NewLogger(opts...)
	if err := a.audit.Restore(stored); err != nil {
		return fmt.Errorf("audit: restore stored chain: %w", err)
	}

	if cfg.MirrorLog {
		mirror := a.log.With("component", "audit.mirror")
		a.auditSink = audit.NewAsyncSink(audit.SinkFunc(func(ctx context.Context, ev audit.AuditEvent) error {
			mirror.InfoContext(ctx, "audit event",
				"sequence", ev.Sequence,
				"event_type", ev.EventType,
				"contract_id", ev.ContractID,
				"actor", ev.Actor,
				"entry_hash", ev.EntryHash,
			)
			return nil
		}), cfg.BufferSize)
		a.audit.AddSink(a.auditSink)
	}
	return nil
}

// close flushes the audit sink and releases every handle. Errors are logged,
// not returned.
func (a *app) close(ctx context.Context) {
	if a.overrides != nil {
		a.overrides.Close()
	}
	if a.auditSink != nil {
		if err := a.auditSink.Close(ctx); err != nil {
			a.log.ErrorContext(ctx, "audit sink flush failed", "error", err)
		}
		if dropped := a.auditSink.Dropped(); dropped > 0 {
			a.log.WarnContext(ctx, "audit mirror dropped events", "dropped", dropped)
		}
	}
	if a.auditDB != nil {
		_ = a.auditDB.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.log.ErrorContext(ctx, "store close failed", "error", err)
		}
	}
	if c, ok := a.archive.(io.Closer); ok {
		_ = c.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
	}
}
