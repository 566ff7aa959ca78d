package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gridl/plproxy/adapters/pgx"
	promadapter "github.com/gridl/plproxy/adapters/prometheus"
	"github.com/gridl/plproxy/core/cluster"
	"github.com/gridl/plproxy/core/query"
)

type runFlags struct {
	cluster   string
	function  string
	sql       string
	argNames  []string
	policy    string
	partition int
	keySQL    string
	keyText   int
	multiRow  bool
	columns   []string
	void      bool
	repeat    int
	quiet     bool
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] ARG...",
		Short: "Run one call on a cluster and print the merged rows",
		Example: `  plproxy run -c plproxy.yaml --cluster users --function get_user --arg-names username \
    --policy hash --key-sql 'select hashtext(username)' --columns id,name alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.cluster, "cluster", "", "cluster name")
	fl.StringVar(&f.function, "function", "", "remote function called as select * from fn($1, ...)")
	fl.StringVar(&f.sql, "sql", "", "remote SQL template; $n and argument names become parameters")
	fl.StringSliceVar(&f.argNames, "arg-names", nil, "names of the positional arguments")
	fl.StringVar(&f.policy, "policy", "all", "run on: hash, all, exact or any")
	fl.IntVar(&f.partition, "partition", 0, "partition index for --policy exact")
	fl.StringVar(&f.keySQL, "key-sql", "", "hash query run on the local database, one integer key per row")
	fl.IntVar(&f.keyText, "key-text", -1, "hash the text of this argument locally instead of --key-sql")
	fl.BoolVar(&f.multiRow, "multi-row", false, "allow a hash call to target several partitions")
	fl.StringSliceVar(&f.columns, "columns", nil, "expected result columns; default is a scalar result")
	fl.BoolVar(&f.void, "void", false, "the call returns void")
	fl.IntVar(&f.repeat, "repeat", 1, "run the call this many times")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "do not print rows")
	_ = cmd.MarkFlagRequired("cluster")
	cmd.MarkFlagsMutuallyExclusive("function", "sql")
	cmd.MarkFlagsOneRequired("function", "sql")
	cmd.MarkFlagsMutuallyExclusive("key-sql", "key-text")
	return cmd
}

func (f *runFlags) buildCall(args []string) (*cluster.Call, error) {
	policy, err := cluster.ParsePolicy(f.policy)
	if err != nil {
		return nil, err
	}
	if len(f.argNames) > len(args) {
		return nil, fmt.Errorf("%d argument names for %d arguments", len(f.argNames), len(args))
	}

	qargs := make([]query.Arg, len(args))
	call := &cluster.Call{
		Policy:    policy,
		Partition: f.partition,
		Args:      make([]any, len(args)),
		ArgTypes:  make([]uint32, len(args)),
		MultiRow:  f.multiRow,
	}
	for i, arg := range args {
		qargs[i] = query.Arg{Type: "text"}
		if i < len(f.argNames) {
			qargs[i].Name = f.argNames[i]
		}
		call.Args[i] = arg
		call.ArgTypes[i] = pgtype.TextOID
	}

	if f.function != "" {
		call.Query = query.StandardCall(f.function, qargs, true)
	} else if call.Query, err = query.Parse(f.sql, qargs, false); err != nil {
		return nil, fmt.Errorf("remote query: %w", err)
	}

	if policy == cluster.PolicyHash && f.keySQL != "" {
		if call.HashQuery, err = query.Parse(f.keySQL, qargs, true); err != nil {
			return nil, fmt.Errorf("hash query: %w", err)
		}
	}

	switch {
	case f.void:
		call.Shape = cluster.VoidShape()
	case len(f.columns) > 0:
		call.Shape = cluster.CompositeShape(f.columns...)
	default:
		call.Shape = cluster.ScalarShape()
	}
	return call, nil
}

func (a *app) run(ctx context.Context, out io.Writer, f *runFlags, args []string) error {
	call, err := f.buildCall(args)
	if err != nil {
		return err
	}

	tmpl := cluster.Options{
		Driver:        pgx.NewDriver(pgx.DriverOptions{Log: a.log}),
		Codec:         pgx.NewCodec(),
		Log:           a.log,
		PollInterval:  a.cfg.Router.PollInterval,
		IdleCheck:     a.cfg.Router.IdleCheck,
		CancelTimeout: a.cfg.Router.CancelTimeout,
		Local: cluster.LocalSettings{
			ServerVersion: a.cfg.Local.ServerVersion,
			Params:        a.cfg.Local.Params,
		},
	}

	if a.cfg.Local.DSN != "" {
		local, err := pgx.NewLocalExecutor(ctx, pgx.LocalOptions{DSN: a.cfg.Local.DSN, Log: a.log})
		if err != nil {
			return err
		}
		defer local.Close()
		if tmpl.Local, err = local.Settings(ctx); err != nil {
			return err
		}
		tmpl.KeyDeriver = local
	}
	if f.keyText >= 0 {
		tmpl.KeyDeriver = cluster.HashTextKeys(f.keyText)
	} else if call.Policy == cluster.PolicyHash && tmpl.KeyDeriver == nil {
		return errors.New("hash policy needs --key-text or local.dsn with --key-sql")
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		tmpl.Metrics = promadapter.NewClusterMetrics(reg)
		stop := a.serveMetrics(addr, reg)
		defer stop()
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, err := cluster.NewRegistry(cluster.RegistryOptions{
		Store:         store,
		Template:      tmpl,
		CheckInterval: a.cfg.Router.CheckInterval,
		Log:           a.log,
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	var total time.Duration
	for i := range f.repeat {
		start := time.Now()
		n, err := a.execute(ctx, out, reg, f, call)
		if err != nil {
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		total += time.Since(start)
		a.log.Debug("call done", slog.Int("rows", n), slog.Duration("took", time.Since(start)))
	}
	if f.repeat > 1 {
		a.log.Info("calls done",
			slog.Int("calls", f.repeat),
			slog.Duration("avg", total/time.Duration(f.repeat)),
		)
	}
	return nil
}

func (a *app) execute(ctx context.Context, out io.Writer, reg *cluster.Registry, f *runFlags, call *cluster.Call) (int, error) {
	stream, err := reg.Execute(ctx, f.cluster, call)
	if err != nil {
		return 0, err
	}
	n := 0
	for row, err := range stream.All() {
		if err != nil {
			return n, err
		}
		n++
		if !f.quiet {
			fmt.Fprintln(out, formatRow(row))
		}
	}
	return n, nil
}

func formatRow(row cluster.Row) string {
	cols := make([]string, len(row))
	for i, v := range row {
		switch v := v.(type) {
		case nil:
			cols[i] = `\N`
		case []byte:
			cols[i] = fmt.Sprintf(`\x%x`, v)
		default:
			cols[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(cols, "\t")
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.Info("prometheus metrics server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("prometheus server error", slog.Any("error", err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
