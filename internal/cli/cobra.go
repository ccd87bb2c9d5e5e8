package cli

import (
	"fmt"
	"log/slog"
	"runtime"
	"text/tabwriter"
	"time"

	"flarelocate/internal/config"
	"flarelocate/internal/pipeline"
	"flarelocate/internal/server"
	"flarelocate/internal/storage"
	"flarelocate/internal/training"

	"github.com/spf13/cobra"
)

const version = "0.3.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flarelocate",
		Short: "Flarelocate builds solar flare localization datasets and trains on them",
		Long: `Flarelocate queries the flare catalog, downloads and aligns AIA imagery,
builds difference stacks and Gaussian heatmaps, and drives model training
through a remote training service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Dataset stages
	rootCmd.AddCommand(newStageCmd(root, "query", "Query the flare catalog and write the event list", pipeline.JobQuery))
	rootCmd.AddCommand(newEventStageCmd(root, "download", "Download AIA frames for every event", pipeline.JobDownload))
	rootCmd.AddCommand(newEventStageCmd(root, "resample", "Resample raw frames to the common grid", pipeline.JobResample))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newStageCmd(root, "check-aligned", "Report aligned frame counts per event", pipeline.JobCheck))
	rootCmd.AddCommand(newEventStageCmd(root, "diff", "Build difference stacks from aligned frames", pipeline.JobDiff))
	rootCmd.AddCommand(newEventStageCmd(root, "merge", "Merge per-channel stacks into one array per event", pipeline.JobMerge))
	rootCmd.AddCommand(newEventStageCmd(root, "heatmap", "Render Gaussian heatmaps at flare locations", pipeline.JobHeatmap))
	rootCmd.AddCommand(newStageCmd(root, "available", "List events with a complete merged stack", pipeline.JobAvailable))
	rootCmd.AddCommand(newStageCmd(root, "split", "Split available events into train, val and test lists", pipeline.JobSplit))
	rootCmd.AddCommand(newRunCmd(root))

	// Model
	rootCmd.AddCommand(newTrainCmd(root))
	rootCmd.AddCommand(newEvaluateCmd(root))
	rootCmd.AddCommand(newOverlaysCmd(root))

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStageCmd(root *Root, use, short string, t pipeline.JobType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.NewJob(t, "", map[string]any{"source": "cli"})
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}
}

// newEventStageCmd is a stage that can be limited to one event.
func newEventStageCmd(root *Root, use, short string, t pipeline.JobType) *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.NewJob(t, event, map[string]any{"source": "cli"})
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "limit to a single event id")
	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var event, channel string

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Align resampled frames to a common solar reference and crop",
		Long: `Align every event, or one event with --event. Passing --channel as well
runs the debug variant, which writes a step-by-step report for that channel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel != "" && event == "" {
				return fmt.Errorf("--channel requires --event")
			}
			job := pipeline.NewJob(pipeline.JobAlign, event, map[string]any{"source": "cli"})
			if channel != "" {
				job = pipeline.NewJob(pipeline.JobAlignDebug, event, map[string]any{
					"source":  "cli",
					"channel": channel,
				})
			}
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}

	cmd.Flags().StringVar(&event, "event", "", "limit to a single event id")
	cmd.Flags().StringVar(&channel, "channel", "", "debug alignment of one channel (e.g. 171A)")
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var withTraining bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every dataset stage in order",
		Long: `Run query through split in order, stopping at the first failing stage.
With --train the supervised, pseudo and joint training stages follow.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for _, stage := range pipeline.Stages {
				start := time.Now()
				if err := root.enqueueAndWait(ctx, out, pipeline.NewJob(stage, "", map[string]any{"source": "run"})); err != nil {
					return err
				}
				root.log.Info("stage finished", "stage", stage, "elapsed", time.Since(start).Round(time.Millisecond))
			}
			if !withTraining {
				return nil
			}
			for _, stage := range []string{training.StageSupervised, training.StagePseudo, training.StageJoint} {
				job := pipeline.NewJob(pipeline.JobTrain, "", map[string]any{"source": "run", "stage": stage})
				if err := root.enqueueAndWait(ctx, out, job); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withTraining, "train", false, "also run the training stages")
	return cmd
}

func newTrainCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:       "train <supervised|pseudo|joint>",
		Short:     "Run a training stage on the model service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{training.StageSupervised, training.StagePseudo, training.StageJoint},
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.NewJob(pipeline.JobTrain, "", map[string]any{
				"source": "cli",
				"stage":  args[0],
			})
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}
}

func newEvaluateCmd(root *Root) *cobra.Command {
	var list, checkpoint string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint against a labeled split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"source": "cli"}
			if list != "" {
				opts["list"] = list
			}
			if checkpoint != "" {
				opts["checkpoint_name"] = checkpoint
			}
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), pipeline.NewJob(pipeline.JobEvaluate, "", opts))
		},
	}

	cmd.Flags().StringVar(&list, "list", "", "split list to evaluate (default test_labeled)")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint name (default "+training.SupervisedCheckpoint+")")
	return cmd
}

func newOverlaysCmd(root *Root) *cobra.Command {
	var list string

	cmd := &cobra.Command{
		Use:   "overlays",
		Short: "Render heatmap overlays for a split list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"source": "cli"}
			if list != "" {
				opts["list"] = list
			}
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), pipeline.NewJob(pipeline.JobOverlays, "", opts))
		},
	}

	cmd.Flags().StringVar(&list, "list", "", "split list to render (default test_labeled)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job API server",
		Long: `Serve the job API, the live result stream and the websocket feed. With
--watch, new event directories under the raw root queue a resample job.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			opts := server.Options{}
			if watch {
				opts.WatchRoot = root.cfg.RawDir()
				opts.Debounce = root.cfg.Server.Debounce.Duration
			}
			return root.serveFn(cmd.Context(), addr, opts, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the raw image root for new events")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tEVENT\tSTATUS\tCREATED\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.JobType, r.EventID, r.Status, r.CreatedAt.Format(time.RFC3339), r.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "flarelocate v%s\n", version)
			fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(out, "Model service: %s\n", root.cfg.Training.ModelAddr)
			return nil
		},
	}
}
