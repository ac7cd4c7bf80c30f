package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/config"
	"github.com/fortressi/saga/logger"
	"github.com/fortressi/saga/tripbooking"
)

// app carries state shared by every subcommand once the root has run.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "sagactl",
		Short:         "Run and inspect trip booking sagas",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			l, err := logger.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			logger.SetLogger(l)
			a.cfg = cfg
			a.logger = l
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(a),
		newBookCmd(a),
		newHistoryCmd(a),
		newReplayCmd(a),
		newGraphCmd(a),
	)
	return cmd
}

func (a *app) definition() (*saga.Definition, error) {
	return tripbooking.NewDefinitionWithOptions(a.cfg.Activity.Options(), a.cfg.Compensation.Options())
}

// coordinator builds a Coordinator over the configured store with the
// booking saga registered. registerer may be nil.
func (a *app) coordinator(ctx context.Context, registerer prometheus.Registerer) (*saga.Coordinator, func() error, error) {
	store, closeStore, err := openStore(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := []saga.Option{saga.WithLogger(a.logger), saga.WithEventStore(store)}
	if a.cfg.Metrics.Enabled && registerer != nil {
		metrics, err := saga.NewMetrics(a.cfg.Metrics.Namespace, registerer)
		if err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, saga.WithMetrics(metrics))
	}

	registry := saga.NewActivityRegistry()
	if err := tripbooking.NewActivities(a.logger).Register(registry); err != nil {
		closeStore()
		return nil, nil, err
	}
	def, err := a.definition()
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	coordinator := saga.NewCoordinator(registry, opts...)
	if err := coordinator.Register(def); err != nil {
		closeStore()
		return nil, nil, err
	}
	return coordinator, closeStore, nil
}
