package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manningwu07/MLMPretrain/distributed"
	"github.com/manningwu07/MLMPretrain/params"
	"github.com/manningwu07/MLMPretrain/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run pretraining as described by a configuration file",
	Long: `Run pretraining as described by a configuration file.

With the grpc backend start one process per rank; RANK, WORLD_SIZE,
MASTER_ADDR and MASTER_PORT override the [distributed] section. With the
local backend all ranks run inside this process. SIGINT or SIGTERM stops
every rank at the next step boundary after a checkpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		cfg, err := params.Load(path)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return train(ctx, cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a configuration file and print the typed result",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		cfg, err := params.Load(path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "train:       %+v\n", cfg.Train)
		fmt.Fprintf(out, "eval:        %+v\n", cfg.Eval)
		fmt.Fprintf(out, "distributed: %+v\n", cfg.Distributed)
		fmt.Fprintf(out, "data:        %+v\n", cfg.Data)
		fmt.Fprintf(out, "model:       %+v\n", cfg.Model)
		fmt.Fprintf(out, "output:      %+v\n", cfg.Output)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{trainCmd, checkConfigCmd} {
		c.Flags().String("config", "", "path to the configuration file")
		c.MarkFlagRequired("config")
	}
}

func train(ctx context.Context, cfg *params.RunConfig) error {
	d := cfg.Distributed
	if d.Backend == params.BackendLocal && d.WorldSize > 1 {
		return trainLocalCluster(ctx, cfg)
	}
	pg, err := distributed.Init(ctx, distributed.Options{
		Backend:           d.Backend,
		Rank:              d.Rank,
		WorldSize:         d.WorldSize,
		Addr:              d.Address(),
		Timeout:           d.Timeout,
		CollectiveTimeout: d.CollectiveTimeout,
	})
	if err != nil {
		return err
	}
	defer pg.Close()
	return runRank(ctx, cfg, pg)
}

// trainLocalCluster runs every rank of a local-backend group on its own
// goroutine. A rank that fails aborts the group so that the others do not
// wait for it until the collective timeout.
func trainLocalCluster(ctx context.Context, cfg *params.RunConfig) error {
	d := cfg.Distributed
	cluster := distributed.NewLocalCluster(d.WorldSize, d.Timeout, d.CollectiveTimeout)
	var g errgroup.Group
	for r := 0; r < d.WorldSize; r++ {
		rankCfg := *cfg
		rankCfg.Distributed.Rank = r
		g.Go(func() error {
			pg, err := cluster.Join(ctx, r)
			if err == nil {
				err = runRank(ctx, &rankCfg, pg)
				pg.Close()
			}
			if err != nil {
				cluster.Abort(r, err)
				return errors.Wrapf(err, "rank %d", r)
			}
			return nil
		})
	}
	return g.Wait()
}

func runRank(ctx context.Context, cfg *params.RunConfig, pg *distributed.ProcessGroup) error {
	t, err := trainer.New(cfg, pg)
	if err != nil {
		return err
	}
	res, err := t.Run(ctx)
	if err != nil {
		return err
	}
	// rank 0 hosts the grpc hub and must not shut it down under the others
	if err := pg.Barrier(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if pg.Rank == 0 {
		glog.Infof("run %s: %s at step %d, %d evaluation(s), %d checkpoint(s)",
			cfg.Output.ModelName, res.Phase, res.Progress.GlobalStep, len(res.Evaluations), len(res.Checkpoints))
	}
	return nil
}
