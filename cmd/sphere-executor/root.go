package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spboyer/agentsphere/internal/executor"
)

var version = "dev"

// Environment fallbacks for the connection flags.
const (
	EnvServer = "SPHERE_SERVER"
	EnvToken  = "SPHERE_TOKEN"
)

type options struct {
	server         string
	token          string
	workdir        string
	shell          string
	reconnectDelay time.Duration
	debug          bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "sphere-executor",
		Short: "Run sphere agent commands on this machine",
		Long: `sphere-executor keeps a websocket connection to a sphere server and executes
the shell commands and files its agents send, inside a pseudo-terminal rooted
at the working directory. The connection is re-established when it drops.

Issue a token with "sphere token issue --user <id>" on the server.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.debug {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
			if err := opts.resolve(); err != nil {
				return err
			}

			logger := slog.Default()
			runner, err := executor.NewRunner(opts.workdir,
				executor.WithShell(opts.shell),
				executor.WithRunnerLogger(logger),
			)
			if err != nil {
				return err
			}
			client := executor.NewClient(opts.server, opts.token, runner,
				executor.WithReconnectDelay(opts.reconnectDelay),
				executor.WithClientLogger(logger),
			)
			if _, err := client.Endpoint(); err != nil {
				return err
			}
			logger.Info("executor starting", "server", opts.server, "workdir", runner.Dir())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "Sphere server URL (env "+EnvServer+")")
	cmd.Flags().StringVar(&opts.token, "token", "", "Executor token (env "+EnvToken+")")
	cmd.Flags().StringVar(&opts.workdir, "workdir", ".", "Directory commands start in")
	cmd.Flags().StringVar(&opts.shell, "shell", "sh", "Shell used to run commands")
	cmd.Flags().DurationVar(&opts.reconnectDelay, "reconnect-delay", executor.DefaultReconnectDelay, "Pause between connection attempts")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	return cmd
}

// resolve applies environment fallbacks and checks required options.
func (o *options) resolve() error {
	if o.server == "" {
		o.server = os.Getenv(EnvServer)
	}
	if o.token == "" {
		o.token = os.Getenv(EnvToken)
	}
	var errs []error
	if o.server == "" {
		errs = append(errs, errors.New("--server or "+EnvServer+" is required"))
	}
	if o.token == "" {
		errs = append(errs, errors.New("--token or "+EnvToken+" is required"))
	}
	return errors.Join(errs...)
}
