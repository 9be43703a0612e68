// provision copies a language template into a workspace prefix once and
// exits. It reads the same environment configuration as the server.
//
//	provision --language node-js --workspace abc123
//	provision --from templates/node-js/ --to workspaces/abc123/
//	provision --from templates/node-js/ --to workspaces/abc123/ --resume-token <cursor>
//
// A copy that stops part way prints the token to resume from and exits 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/config"
	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/provision"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/storage/factory"
	"github.com/cloudcode/cloudcode/internal/workspace"
	"github.com/cloudcode/cloudcode/internal/workspace/postgres"
)

type options struct {
	language    string
	workspaceID string
	from        string
	to          string
	resumeToken string
	concurrency int
	pageSize    int32
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var partial *provision.PartialFailureError
		if errors.As(err, &partial) {
			fmt.Fprintf(os.Stderr, "resume with: --from %s --to %s --resume-token %q\n",
				partial.Job.SourcePrefix, partial.Job.DestinationPrefix, partial.Job.Cursor)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	var opts options
	flagSet := pflag.NewFlagSet("provision", pflag.ContinueOnError)
	flagSet.StringVar(&opts.language, "language", "", "template language (with --workspace)")
	flagSet.StringVar(&opts.workspaceID, "workspace", "", "workspace id to provision (with --language)")
	flagSet.StringVar(&opts.from, "from", "", "source key prefix, ending in /")
	flagSet.StringVar(&opts.to, "to", "", "destination key prefix, ending in /")
	flagSet.StringVar(&opts.resumeToken, "resume-token", "", "continuation token printed by a failed run (with --from/--to)")
	flagSet.IntVar(&opts.concurrency, "concurrency", cfg.CopyConcurrency, "object copies in flight per page")
	flagSet.Int32Var(&opts.pageSize, "page-size", cfg.ListPageSize, "objects per listing page")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if err := opts.validate(); err != nil {
		return err
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := factory.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	defer store.Close()

	provisioner := provision.New(store, provision.Config{
		PageSize:    opts.pageSize,
		Concurrency: opts.concurrency,
		Retry:       retry.DefaultPolicy(),
	})

	if opts.workspaceID != "" {
		return provisionWorkspace(ctx, cfg, provisioner, opts)
	}

	start := time.Now()
	res, err := provisioner.Resume(ctx, provision.Job{
		SourcePrefix:      opts.from,
		DestinationPrefix: opts.to,
		Cursor:            opts.resumeToken,
	})
	if err != nil {
		return err
	}
	fmt.Printf("copied %d objects in %d pages (%s)\n", res.Copied, res.Pages, time.Since(start).Round(time.Millisecond))
	return nil
}

// provisionWorkspace runs a full workspace creation, recording its status
// when DATABASE_URL is set.
func provisionWorkspace(ctx context.Context, cfg *config.Config, copier workspace.Copier, opts options) error {
	var records workspace.Store = workspace.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pg.Close()
		records = pg
	}

	svc := workspace.NewService(records, copier, workspace.Config{
		TemplatePrefix:  cfg.TemplatePrefix,
		WorkspacePrefix: cfg.WorkspacePrefix,
		Languages:       cfg.Languages,
	})
	if err := svc.Provision(ctx, opts.workspaceID, opts.language); err != nil {
		return err
	}
	logging.Info("workspace provisioned", zap.String("workspace", opts.workspaceID))
	fmt.Printf("workspace %s is ready\n", opts.workspaceID)
	return nil
}

func (o options) validate() error {
	byWorkspace := o.workspaceID != "" || o.language != ""
	byPrefix := o.from != "" || o.to != ""
	switch {
	case byWorkspace && byPrefix:
		return errors.New("use either --language/--workspace or --from/--to, not both")
	case byWorkspace:
		if o.workspaceID == "" || o.language == "" {
			return errors.New("--language and --workspace must be given together")
		}
		if o.resumeToken != "" {
			return errors.New("--resume-token requires --from and --to")
		}
	case byPrefix:
		if o.from == "" || o.to == "" {
			return errors.New("--from and --to must be given together")
		}
	default:
		return errors.New("nothing to do: give --language and --workspace, or --from and --to")
	}
	return nil
}
