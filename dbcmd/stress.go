package dbcmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teru01/lockdb/dbconfig"
	"github.com/teru01/lockdb/dbexecutor"
	"github.com/teru01/lockdb/dbworkload"
)

var (
	stressCfg  = dbworkload.DefaultConfig()
	stressJSON bool

	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent increment transactions and check isolation",
		Long: `Run workers that read and increment counters on random pages. Deadlocked
transactions are retried with backoff. The run fails if two transactions were
ever inside a page incompatibly or if an increment was lost.`,
		Args: cobra.NoArgs,
		RunE: runStress,
	}
)

func init() {
	flags := stressCmd.Flags()
	flags.IntVar(&stressCfg.Workers, "workers", stressCfg.Workers, "concurrent workers")
	flags.IntVar(&stressCfg.TxPerWorker, "tx", stressCfg.TxPerWorker, "transactions per worker")
	flags.IntVar(&stressCfg.Pages, "pages", stressCfg.Pages, "pages the workers compete for")
	flags.IntVar(&stressCfg.OpsPerTx, "ops", stressCfg.OpsPerTx, "operations per transaction")
	flags.Float64Var(&stressCfg.WriteRatio, "write-ratio", stressCfg.WriteRatio, "share of increments among operations")
	flags.IntVar(&stressCfg.MaxRetries, "retries", stressCfg.MaxRetries, "restarts of an aborted transaction")
	flags.DurationVar(&stressCfg.Backoff, "backoff", stressCfg.Backoff, "base backoff between restarts")
	flags.Uint64Var(&stressCfg.Seed, "seed", stressCfg.Seed, "random seed")
	flags.BoolVar(&stressJSON, "json", false, "print the report as JSON")
	flags.String(dbconfig.KeyMetricsAddr, "", "serve prometheus metrics on this address, e.g. :9090")
}

func runStress(cmd *cobra.Command, _ []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	db, err := dbexecutor.Open(conf, reg)
	if err != nil {
		return err
	}
	defer db.Close()

	if conf.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Close()
		slog.Info("serving metrics", slog.String("addr", conf.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	report, err := dbworkload.Run(ctx, db.Registry, stressCfg)
	if err != nil {
		return err
	}

	if stressJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), report.String())
	}
	if !report.OK() {
		return fmt.Errorf("isolation check failed: %s", report)
	}
	return nil
}
