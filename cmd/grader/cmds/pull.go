package cmds

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/client"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	workererrors "github.com/illinois-cs241/broadway/broadway-api/internal/worker_errors"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Poll the api for grading jobs over http(s)",
	Long: `
- Exits with 0 when interrupted.
- Exits with 2 if registration fails.
- Exits with 3 if the api rejects a heartbeat, poll or result.
- Exits with 1 for all other errors.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		return runPull(cmd.Context(), s)
	},
}

func runPull(ctx context.Context, s *settings) error {
	ctx, span := tracer.Start(ctx, "pullCmd")
	defer span.End()

	logger.Logger.InfoContext(ctx, "starting pull grader", "grader", s.GraderID, "api", s.APIHost)

	err := client.NewPullClient(newConfig(s), newRunner(s)).Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pull grader failed")
		return workererrors.ExitErrorWrap(exitCode(err), fmt.Errorf("pull grader stopped: %w", err))
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "pull grader stopped")
	return nil
}
