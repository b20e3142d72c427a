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

var wsCmd = &cobra.Command{
	Use:   "ws",
	Short: "Receive pushed grading jobs over a websocket",
	Long: `An http(s) --api-host is dialed as ws(s).

- Exits with 0 when interrupted.
- Exits with 2 if dialing or registration fails.
- Exits with 1 when the connection closes or a pushed job is invalid.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		return runPush(cmd.Context(), s)
	},
}

func runPush(ctx context.Context, s *settings) error {
	ctx, span := tracer.Start(ctx, "wsCmd")
	defer span.End()

	logger.Logger.InfoContext(ctx, "starting websocket grader", "grader", s.GraderID, "api", s.APIHost)

	err := client.NewPushClient(newConfig(s), newRunner(s)).Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "websocket grader failed")
		return workererrors.ExitErrorWrap(exitCode(err), fmt.Errorf("websocket grader stopped: %w", err))
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "websocket grader stopped")
	return nil
}
