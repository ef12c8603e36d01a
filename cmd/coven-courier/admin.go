// ABOUTME: Operational subcommands: migrate, status, backup, maintain, reindex, audit and run
// ABOUTME: run hosts the maintenance scheduler and the Prometheus endpoint until interrupted

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/courier"
	"github.com/2389/coven-courier/internal/maintenance"
	"github.com/2389/coven-courier/internal/metrics"
)

func runMigrate(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("migrate", &g)
	to := fs.Int("to", -1, "migrate up or down to this version")
	rollback := fs.Bool("rollback", false, "roll back the most recent migration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}
	off := false
	cfg.Schema.AutoMigrate = &off
	c, _, err := openWith(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	green := color.New(color.FgGreen)
	before, err := c.Migrator.Current(ctx)
	if err != nil {
		return err
	}

	switch {
	case *rollback:
		if err := c.Migrator.Rollback(ctx); err != nil {
			return err
		}
	case *to >= 0:
		res, err := c.Migrator.MigrateTo(ctx, *to)
		if err != nil {
			return err
		}
		printWarnings(res.Warnings)
	default:
		res, err := c.Migrator.Migrate(ctx)
		if err != nil {
			return err
		}
		printWarnings(res.Warnings)
	}

	after, err := c.Migrator.Current(ctx)
	if err != nil {
		return err
	}
	if after == before {
		fmt.Printf("Schema already at version %d\n", after)
		return nil
	}
	green.Printf("✓ Schema moved from version %d to %d\n", before, after)
	return nil
}

func printWarnings(warnings []string) {
	yellow := color.New(color.FgYellow)
	for _, w := range warnings {
		yellow.Printf("! %s\n", w)
	}
}

func runStatus(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("status", &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("  Schema")
	cyan.Println("  ------")
	if len(st.Schema.Pending) == 0 {
		green.Printf("  Version:   %d (latest)\n", st.Schema.Current)
	} else {
		yellow.Printf("  Version:   %d of %d, %d pending\n", st.Schema.Current, st.Schema.Latest, len(st.Schema.Pending))
	}
	for _, h := range st.Schema.History {
		fmt.Printf("  %4d  %-28s %s  %s\n", h.Version, h.Name, h.AppliedAt.Format("Jan 02 15:04"), h.Duration)
	}
	if cp := st.Schema.Checkpoint; cp != nil {
		fmt.Printf("  Checkpoint before v%d: %s\n", cp.Version, humanize.Time(cp.TakenAt))
	}

	fmt.Println()
	cyan.Println("  Storage")
	cyan.Println("  -------")
	info := st.Storage.Info
	fmt.Printf("  Path:      %s\n", info.Path)
	fmt.Printf("  File:      %s (WAL %s)\n", humanize.IBytes(uint64(info.FileSize)), humanize.IBytes(uint64(info.WALSize)))
	fmt.Printf("  Pages:     %s x %s, %s free\n",
		humanize.Comma(info.PageCount), humanize.IBytes(uint64(info.PageSize)), humanize.Comma(info.FreelistCount))
	fmt.Printf("  Journal:   %s\n", info.JournalMode)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TABLE\tROWS")
	fmt.Fprintln(w, "  -----\t----")
	for _, table := range statusTables(st.Storage.Tables) {
		fmt.Fprintf(w, "  %s\t%s\n", table, humanize.Comma(st.Storage.Tables[table]))
	}
	w.Flush()
	fmt.Println()
	return nil
}

// statusTables returns the counted tables in their canonical order.
func statusTables(counts map[string]int64) []string {
	var out []string
	for _, t := range courier.StatusTables {
		if _, ok := counts[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func runBackup(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("backup", &g)
	dir := fs.String("dir", "", "output directory (default database.backup_dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	path, err := c.Backup(ctx, *dir)
	if err != nil {
		return err
	}
	size := ""
	if fi, err := os.Stat(path); err == nil {
		size = " (" + humanize.IBytes(uint64(fi.Size())) + ")"
	}
	color.New(color.FgGreen).Printf("✓ Backup written to %s%s\n", path, size)
	return nil
}

func runMaintain(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("maintain", &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, logger, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	sched := c.Scheduler
	if sched == nil {
		// Maintenance can run on demand even when the schedule is off.
		sched, err = maintenance.New(maintenance.Options{
			DB:          c.DB,
			Content:     c.Content,
			Refs:        c.Messages,
			OrphanGrace: c.Config.Content.OrphanGrace,
			Schedule:    c.Config.Maintenance.Schedule,
			Audit:       c.Audit,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
	}

	report, err := sched.RunOnce(ctx)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	green.Printf("✓ Maintenance finished in %s\n", report.Duration.Round(time.Millisecond))
	if report.Storage.Checkpoint.Busy {
		color.New(color.FgYellow).Println("  WAL checkpoint was busy; it will be retried next run")
	}
	fmt.Printf("  Pages freed:   %s\n", humanize.Comma(report.Storage.FreePagesFreed))
	if report.Pruned != nil {
		fmt.Printf("  Blobs pruned:  %d of %d (%s)\n",
			report.Pruned.Removed, report.Pruned.Scanned, humanize.IBytes(uint64(report.Pruned.BytesRemoved)))
	}
	fmt.Printf("  Database size: %s\n", humanize.IBytes(uint64(report.FileSize)))
	return nil
}

func runReindex(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("reindex", &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Index.Rebuild(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Reindexed %s messages (%s derived tags) in %s\n",
		humanize.Comma(int64(res.Messages)), humanize.Comma(int64(res.DerivedTags)), res.Duration.Round(time.Millisecond))
	return nil
}

func runAudit(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("audit", &g)
	actor := fs.String("actor", "", "only events by this actor")
	action := fs.String("action", "", "only events with this action")
	since := fs.Duration("since", 0, "only events newer than this (e.g. 24h)")
	limit := fs.Int("limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.AuditLog == nil {
		return errors.New("audit.persist is disabled; no audit log to read")
	}
	f := audit.Filter{Limit: *limit}
	if *actor != "" {
		f.Actor = actor
	}
	if *action != "" {
		a := audit.Action(*action)
		f.Action = &a
	}
	if *since > 0 {
		t := time.Now().Add(-*since)
		f.Since = &t
	}
	events, err := c.AuditLog.List(ctx, f)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("  (no audit events)")
		return nil
	}
	red := color.New(color.FgRed)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  WHEN\tACTOR\tACTION\tTARGET\tOUTCOME")
	fmt.Fprintln(w, "  ----\t-----\t------\t------\t-------")
	for _, e := range events {
		outcome := string(e.Outcome)
		if e.Outcome != audit.OutcomeSuccess {
			outcome = red.Sprint(outcome)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("Jan 02 15:04:05"), e.Actor, e.Action,
			truncate(e.TargetType+":"+e.TargetID, 40), outcome)
	}
	w.Flush()
	return nil
}

func runServe(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("run", &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, logger, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	errCh := make(chan error, 2)
	running := 0

	var srv *http.Server
	if mc := c.Config.Metrics; mc.Enabled {
		mux := http.NewServeMux()
		mux.Handle(mc.Path, metrics.Handler())
		srv = &http.Server{
			Addr:              mc.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		running++
		go func() {
			logger.Info("serving metrics", "addr", mc.Addr, "path", mc.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
				return
			}
			errCh <- nil
		}()
	}
	if c.Scheduler != nil {
		running++
		go func() { errCh <- c.Scheduler.Run(ctx) }()
	}
	if running == 0 {
		return errors.New("nothing to run: enable maintenance or metrics in the config")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
	}
	return runErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
