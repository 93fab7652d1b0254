package bench

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/caddyserver/caddy/v2"
	caddycmd "github.com/caddyserver/caddy/v2/cmd"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func init() {
	caddycmd.RegisterCommand(caddycmd.Command{
		Name:  "bench",
		Usage: "--scenarios <path> [--only <name>] [--verbose]",
		Short: "Runs pool benchmark scenarios",
		Long: `
Runs the scenarios of a YAML file against an in memory resource factory and
prints throughput, failures and the final pool stats of each.
`,
		CobraFunc: func(cmd *cobra.Command) {
			addFlags(cmd.Flags())
			cmd.RunE = caddycmd.WrapCommandFuncForCobra(cmdBench)
		},
	})
}

func addFlags(fs *pflag.FlagSet) {
	fs.StringP("scenarios", "s", "", "path to the scenario file")
	fs.String("only", "", "run only the scenario with this name")
	fs.BoolP("verbose", "v", false, "log pool internals")
}

func cmdBench(fl caddycmd.Flags) (int, error) {
	path := fl.String("scenarios")
	if path == "" {
		return caddy.ExitCodeFailedStartup, fmt.Errorf("--scenarios is required")
	}
	f, err := Load(path)
	if err != nil {
		return caddy.ExitCodeFailedStartup, fmt.Errorf("loading scenarios: %w", err)
	}

	var log *zap.Logger
	if fl.Bool("verbose") {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return caddy.ExitCodeFailedStartup, err
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	only := fl.String("only")
	var errs error
	var ran int
	for _, s := range f.Scenarios {
		if only != "" && s.Name != only {
			continue
		}
		ran++

		res, err := Run(ctx, s, log)
		_, _ = fmt.Fprintln(os.Stdout, res)
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if ran == 0 {
		return caddy.ExitCodeFailedStartup, fmt.Errorf("no scenario matched")
	}
	if errs != nil {
		return caddy.ExitCodeFailedQuit, errs
	}
	return caddy.ExitCodeSuccess, nil
}
