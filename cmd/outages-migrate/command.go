package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wickedlab/outages/kit/cli"
	"github.com/wickedlab/outages/kit/prom"
	"github.com/wickedlab/outages/logger"
	"github.com/wickedlab/outages/migration"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NewCommand returns the outages-migrate root command and its subcommands.
func NewCommand(ctx context.Context, v *viper.Viper) (*cobra.Command, error) {
	dir, err := defaultDir()
	if err != nil {
		return nil, err
	}
	o := newOpts(dir)

	cmd := &cobra.Command{
		Use:   "outages-migrate",
		Short: "Bring the outages key space up to the current schema",
		Long: `Applies the pending key space migration steps in order.

Every step visits the whole key space page by page, transforms the keys it
recognises and records the outcome of every key. The schema version is only
advanced once a step has visited every key, so an interrupted run resumes at
the step that was interrupted. Running the command again on an up to date
store changes nothing.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	if err := cli.InitViper(v, "outages"); err != nil {
		return nil, err
	}
	opts := o.bindCliOpts()
	for i := range opts {
		opts[i].Persistent = true
	}
	if err := cli.BindOptions(v, cmd, opts); err != nil {
		return nil, err
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration step",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withStores(ctx, cmd, true, func(ctx context.Context, log *zap.Logger, s *stores) error {
					return o.up(ctx, log, s, cmd.OutOrStdout())
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the migration steps and whether they have been applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withStores(ctx, cmd, true, func(ctx context.Context, log *zap.Logger, s *stores) error {
					states, err := o.engine(log, s).List(ctx, s.steps())
					if err != nil {
						return err
					}
					return printStates(cmd.OutOrStdout(), states)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the schema version of the key store",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withStores(ctx, cmd, false, func(ctx context.Context, log *zap.Logger, s *stores) error {
					version, err := o.engine(log, s).Version(ctx)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), version)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "print-config",
			Short: "Print the resolved configuration as TOML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return printConfig(cmd.OutOrStdout(), o.bindCliOpts())
			},
		},
	)

	return cmd, nil
}

func (o *migrateOpts) withStores(ctx context.Context, cmd *cobra.Command, withRelational bool, fn func(context.Context, *zap.Logger, *stores) error) (err error) {
	logconf := &logger.Config{
		Format: o.LogFormat,
		Level:  o.LogLevel,
	}
	log, err := logconf.New(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Sync()

	if o.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.RunTimeout)
		defer cancel()
	}

	s, err := o.openStores(ctx, log, withRelational)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()

	return fn(logger.NewContextWithLogger(ctx, log), log, s)
}

func (o *migrateOpts) up(ctx context.Context, log *zap.Logger, s *stores, out io.Writer) error {
	engine := o.engine(log, s)
	report, runErr := engine.Run(ctx, s.steps()...)

	if report != nil {
		if err := printReport(out, report); err != nil {
			runErr = multierr.Append(runErr, err)
		}
		for _, step := range report.Steps {
			for _, key := range step.Summary.FailedKeys {
				log.Warn("Key left untransformed",
					zap.Int64("step", step.StartVersion),
					zap.String("key", key),
					zap.String("reason", step.Summary.Reasons[key]))
			}
			for _, key := range step.Summary.OrphanedKeys {
				log.Error("Key partially transformed",
					zap.Int64("step", step.StartVersion),
					zap.String("key", key),
					zap.String("reason", step.Summary.Reasons[key]))
			}
		}
	}

	if o.PushgatewayURL != "" {
		// push on a fresh context so metrics of a cancelled run still arrive.
		if err := prom.Push(context.WithoutCancel(ctx), o.PushgatewayURL, o.PushgatewayJob, engine.Metrics().PrometheusCollectors()...); err != nil {
			log.Warn("Unable to push migration metrics", zap.Error(err))
		}
	}
	return runErr
}

func printReport(w io.Writer, r *migration.Report) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Schema version %d -> %d\n", r.StartVersion, r.EndVersion)
	if len(r.Steps) == 0 {
		return tw.Flush()
	}
	fmt.Fprintln(tw, "STEP\tDESCRIPTION\tMIGRATED\tSKIPPED\tFAILED\tORPHANED\tDURATION")
	for _, s := range r.Steps {
		fmt.Fprintf(tw, "%04d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			s.StartVersion, s.Description,
			s.Summary.Migrated, s.Summary.Skipped, s.Summary.Failed, s.Summary.Orphaned,
			s.FinishedAt.Sub(s.StartedAt))
	}
	return tw.Flush()
}

func printStates(w io.Writer, states []migration.StepState) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tDESCRIPTION\tSTATE")
	for _, s := range states {
		fmt.Fprintf(tw, "%04d\t%s\t%s\n", s.StartVersion, s.Description, s.State)
	}
	return tw.Flush()
}

// printConfig writes the value of every option under its flag name.
func printConfig(w io.Writer, opts []cli.Opt) error {
	config := make(map[string]interface{}, len(opts))
	for _, o := range opts {
		switch v := o.DestP.(type) {
		case fmt.Stringer:
			config[o.Flag] = v.String()
		case *string:
			config[o.Flag] = *v
		case *int:
			config[o.Flag] = *v
		case *bool:
			config[o.Flag] = *v
		default:
			return fmt.Errorf("unsupported option type %T for %s", o.DestP, o.Flag)
		}
	}
	return toml.NewEncoder(w).Encode(config)
}
