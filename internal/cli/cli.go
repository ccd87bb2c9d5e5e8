package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"flarelocate/internal/config"
	"flarelocate/internal/pipeline"
	"flarelocate/internal/server"
	"flarelocate/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, opts server.Options, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, opts server.Options, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if p, ok := pipe.(*pipeline.Pipeline); ok {
		return server.NewServer(addr, store, p, opts, log).Start(ctx)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the shared state of all commands.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// enqueueAndWait submits job, waits for its result and prints the result
// meta to out.
func (r *Root) enqueueAndWait(ctx context.Context, out io.Writer, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				return fmt.Errorf("%s: %w", job.Type, res.Error)
			}
			printMeta(out, job.Type, res.Meta)
			return nil
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "event", job.EventID)
	return nil
}

func printMeta(out io.Writer, t pipeline.JobType, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "%s done\n", t)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, meta[k])
	}
}
