package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/talkincode/toughqos/config"
	"github.com/talkincode/toughqos/internal/app"
)

var (
	BuildVersion = "latest"
	BuildTime    = "unknown"
)

func main() {
	var confFile string

	rootCmd := &cobra.Command{
		Use:          "toughqos",
		Short:        "DSCP driven Wi-Fi QoS slicing controller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&confFile, "config", "c", "", "config file (default toughqos.yml)")

	var params map[string]string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the slicing control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(confFile)
			if err != nil {
				return err
			}
			if len(params) > 0 {
				raw := make(map[string]interface{}, len(params))
				for k, v := range params {
					raw[k] = v
				}
				if cfg.Slicing, err = config.DecodeSlicingParams(cfg.Slicing, raw); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().StringToStringVarP(&params, "param", "p", nil, "override a slicing parameter, e.g. -p every=1000")

	initdbCmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create or migrate the audit tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(confFile)
			if err != nil {
				return err
			}
			cfg.Slicing.Enabled = false
			application := app.NewApplication(cfg)
			if err := application.Init(cfg); err != nil {
				return err
			}
			defer application.Release()
			return application.MigrateDB(true)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(confFile)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toughqos %s (%s)\n", BuildVersion, BuildTime)
		},
	}

	rootCmd.AddCommand(runCmd, initdbCmd, configCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		return err
	}
	defer application.Release()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// first cycle right away, then on schedule
		if err := application.RunSlicingNow(ctx); err != nil {
			zap.L().Warn("initial slicing cycle skipped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zap.L().Info("toughqos shutting down")
		return nil
	})
	return g.Wait()
}
