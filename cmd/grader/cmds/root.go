package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/client"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/command"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/pipeline"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/validator"
	workererrors "github.com/illinois-cs241/broadway/broadway-api/internal/worker_errors"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/grader/cmds"

var tracer = otel.Tracer(name)

type settings struct {
	Token    string `mapstructure:"token"     validate:"required"`
	GraderID string `mapstructure:"grader-id" validate:"required,identifier"`
	APIHost  string `mapstructure:"api-host"  validate:"required,url"`
	Docker   string `mapstructure:"docker"`
	LogDir   string `mapstructure:"log-dir"`
	LogLevel int    `mapstructure:"log-level"`
	Verbose  bool   `mapstructure:"verbose"`
}

var logFile io.Closer

var rootCmd = &cobra.Command{
	Use:   "broadway-grader",
	Short: "Runs grading jobs from a broadway api",
	Long: `Registers with the api and runs grading job stages as docker containers.

The transport follows the scheme of --api-host: http(s) polls for jobs,
ws(s) keeps a websocket open and receives pushed jobs. Every flag can also
be set as BROADWAY_<FLAG>, e.g. BROADWAY_GRADER_ID.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		push, err := client.IsWebsocket(s.APIHost)
		if err != nil {
			return err
		}
		if push {
			return runPush(cmd.Context(), s)
		}
		return runPull(cmd.Context(), s)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("token", "", "cluster token")
	flags.String("grader-id", "", "unique identifier of this grader")
	flags.String("api-host", "http://127.0.0.1:1470", "api host, ws(s) or http(s)")
	flags.String("docker", "docker", "container cli used to run stages")
	flags.String("log-dir", "", "directory for rotated log files (disabled if empty)")
	flags.Int("log-level", int(slog.LevelInfo), "slog level (-4 debug, 0 info, 4 warn, 8 error)")
	flags.BoolP("verbose", "v", false, "log job output")

	rootCmd.AddCommand(pullCmd, wsCmd)
}

func loadSettings(cmd *cobra.Command) (*settings, error) {
	v := viper.New()
	v.SetEnvPrefix("broadway")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flags := range []*pflag.FlagSet{cmd.InheritedFlags(), cmd.LocalFlags()} {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	valid := validator.Create()
	if err := valid.Validate(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	logger.LogLevel.Set(slog.Level(s.LogLevel))
	if s.LogDir != "" {
		logFile, err = logger.InitFileSink(logger.FileSink{Dir: s.LogDir, MaxSizeMB: 100, MaxBackups: 7})
		if err != nil {
			return fmt.Errorf("failed to open log dir: %w", err)
		}
	}
	return nil
}

func newConfig(s *settings) client.Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = s.GraderID
	}

	return client.Config{
		APIHost:  s.APIHost,
		GraderID: s.GraderID,
		Token:    s.Token,
		Hostname: hostname,
		Verbose:  s.Verbose,
	}
}

func newRunner(s *settings) *pipeline.Runner {
	return pipeline.NewRunner(command.NewShellExecutor(s.Verbose), s.Docker)
}

// Exit code for an error returned by a client
func exitCode(err error) int {
	var respErr *client.ResponseError
	switch {
	case errors.Is(err, client.ErrRegister):
		return workererrors.ExitRegister
	case errors.As(err, &respErr):
		return workererrors.ExitRejected
	default:
		return workererrors.ExitErrored
	}
}

func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if logFile != nil {
		err = errors.Join(err, logFile.Close())
	}
	return err
}
