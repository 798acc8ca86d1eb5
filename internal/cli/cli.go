package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/specialistvlad/calcgrid/internal/app"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitFailure       = 1
	ExitUsage         = 2
	ExitOutputsFailed = 3
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Message: err.Error()}
}

// options holds every flag value. Engine settings are only applied when
// their flag is set, so they can override an engine file.
type options struct {
	configPaths     []string
	engineFile      string
	logFormat       string
	logLevel        string
	output          string
	healthcheckPort int
	engine          app.Engine

	view          string
	calcConfig    string
	valuationTime string
	watch         bool

	listen string
}

// Execute runs the command line in args until it completes or ctx is done.
func Execute(ctx context.Context, args []string, outW, errW io.Writer) error {
	root := NewRootCommand(outW, errW)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr
	case errors.Is(err, app.ErrOutputsFailed):
		return &ExitError{Code: ExitOutputsFailed, Message: err.Error()}
	default:
		return err
	}
}

// NewRootCommand builds the calcgrid command tree.
func NewRootCommand(outW, errW io.Writer) *cobra.Command {
	root, _ := newRootCommand(outW, errW)
	return root
}

func newRootCommand(outW, errW io.Writer) (*cobra.Command, *options) {
	o := &options{engine: app.DefaultEngine()}
	root := &cobra.Command{
		Use:   "calcgrid",
		Short: "Builds dependency graphs of valuation functions and runs them as calculation cycles.",
		Long: `calcgrid resolves the outputs a view requires against a catalog of
functions and a market data snapshot, all declared in HCL, then executes the
resulting graph in fragments on local workers or a remote calculation node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(errW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := root.PersistentFlags()
	pf.StringSliceVarP(&o.configPaths, "config", "c", nil, "HCL file or directory to load. Repeatable; positional arguments are added too.")
	pf.StringVar(&o.engineFile, "engine-file", "", "YAML file with engine settings. Flags below override it.")
	pf.StringVar(&o.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&o.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVarP(&o.output, "output", "o", "table", "Result format. Options: 'table' or 'json'.")
	pf.IntVar(&o.healthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")

	pf.IntVar(&o.engine.Workers, "workers", o.engine.Workers, "Number of concurrent resolution and execution workers.")
	pf.IntVar(&o.engine.Fragment.MinSize, "fragment-min-size", o.engine.Fragment.MinSize, "Smallest fragment the planner aims for.")
	pf.IntVar(&o.engine.Fragment.MaxSize, "fragment-max-size", o.engine.Fragment.MaxSize, "Largest number of nodes in one fragment.")
	pf.IntVar(&o.engine.Fragment.MaxConcurrency, "max-concurrency", o.engine.Fragment.MaxConcurrency, "Number of fragments the planner expects to run at once.")
	pf.StringVar(&o.engine.RunQueue, "run-queue", o.engine.RunQueue, "Order of resolution and dispatch. Options: 'fifo', 'lifo', 'priority'.")
	pf.BoolVar(&o.engine.AbortOnFailure, "abort-on-failure", o.engine.AbortOnFailure, "Fail the whole build on the first unsatisfiable requirement.")
	pf.BoolVar(&o.engine.InlineSingleItemJobs, "inline", o.engine.InlineSingleItemJobs, "Run single-node fragments on the dispatching goroutine.")
	pf.StringVar(&o.engine.RemoteNodeURL, "remote-node-url", "", "Execute jobs on the calculation node at this URL.")
	pf.StringVar(&o.engine.Cost.DBPath, "cost-db", "", "Directory of the badger database persisting cost statistics.")

	root.AddCommand(newRunCommand(o), newPlanCommand(o), newNodeCommand(o))
	return root, o
}

// appConfig merges the engine file, changed flags and positional config
// paths into a validated application configuration.
func (o *options) appConfig(cmd *cobra.Command, args []string) (*app.Config, error) {
	engine := app.DefaultEngine()
	if o.engineFile != "" {
		e, err := app.LoadEngineFile(o.engineFile, engine)
		if err != nil {
			return nil, usageError(err)
		}
		engine = e
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag  string
		apply func()
	}{
		{"workers", func() { engine.Workers = o.engine.Workers }},
		{"fragment-min-size", func() { engine.Fragment.MinSize = o.engine.Fragment.MinSize }},
		{"fragment-max-size", func() { engine.Fragment.MaxSize = o.engine.Fragment.MaxSize }},
		{"max-concurrency", func() { engine.Fragment.MaxConcurrency = o.engine.Fragment.MaxConcurrency }},
		{"run-queue", func() { engine.RunQueue = o.engine.RunQueue }},
		{"abort-on-failure", func() { engine.AbortOnFailure = o.engine.AbortOnFailure }},
		{"inline", func() { engine.InlineSingleItemJobs = o.engine.InlineSingleItemJobs }},
		{"remote-node-url", func() { engine.RemoteNodeURL = o.engine.RemoteNodeURL }},
		{"cost-db", func() { engine.Cost.DBPath = o.engine.Cost.DBPath }},
	}
	for _, ov := range overrides {
		if flags.Changed(ov.flag) {
			ov.apply()
		}
	}

	paths := append(append([]string{}, o.configPaths...), args...)
	cfg, err := app.NewConfig(app.Config{
		ConfigPaths:     paths,
		LogFormat:       o.logFormat,
		LogLevel:        o.logLevel,
		HealthcheckPort: o.healthcheckPort,
		Output:          o.output,
		Engine:          engine,
	})
	if err != nil {
		return nil, usageError(err)
	}
	slog.Debug("CLI configuration resolved.", "paths", cfg.ConfigPaths, "engine", cfg.Engine)
	return cfg, nil
}

func (o *options) cycleRequest() (app.CycleRequest, error) {
	req := app.CycleRequest{View: o.view, CalcConfig: o.calcConfig}
	if o.view == "" {
		return req, usageError(errors.New("--view is required"))
	}
	if o.valuationTime != "" {
		t, err := time.Parse(time.RFC3339, o.valuationTime)
		if err != nil {
			return req, usageError(fmt.Errorf("invalid valuation time %q: %w", o.valuationTime, err))
		}
		req.ValuationTime = t
	}
	return req, nil
}

func (o *options) addCycleFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.view, "view", "", "View whose outputs to calculate.")
	cmd.Flags().StringVar(&o.calcConfig, "calc-config", "default", "Calculation configuration of the view.")
	cmd.Flags().StringVar(&o.valuationTime, "valuation-time", "", "Valuation time in RFC 3339 format. Defaults to now.")
}

// withApp resolves the configuration, starts the application and closes
// it after fn returns.
func (o *options) withApp(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := o.appConfig(cmd, args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.NewApp(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(ctx, a)
}

func newRunCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [CONFIG_PATH...]",
		Short: "Run one calculation cycle for a view and print its outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := o.cycleRequest()
			if err != nil {
				return err
			}
			return o.withApp(cmd, args, func(ctx context.Context, a *app.App) error {
				if o.watch {
					return a.Watch(ctx, req)
				}
				_, err := a.RunCycle(ctx, req)
				return err
			})
		},
	}
	o.addCycleFlags(cmd)
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "Rerun the cycle every time a configuration file changes.")
	return cmd
}

func newPlanCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [CONFIG_PATH...]",
		Short: "Build and fragment the graph for a view without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := o.cycleRequest()
			if err != nil {
				return err
			}
			return o.withApp(cmd, args, func(ctx context.Context, a *app.App) error {
				return a.Plan(ctx, req)
			})
		},
	}
	o.addCycleFlags(cmd)
	return cmd
}

func newNodeCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node [CONFIG_PATH...]",
		Short: "Serve the function catalog as a remote calculation node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, args, func(ctx context.Context, a *app.App) error {
				return a.ServeNode(ctx, o.listen)
			})
		},
	}
	cmd.Flags().StringVar(&o.listen, "listen", ":7070", "Address the node accepts dispatcher connections on.")
	return cmd
}
