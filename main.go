package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/database"
	"github.com/uc-cdis/bosun/engine"
	"github.com/uc-cdis/bosun/logging"
	"github.com/uc-cdis/bosun/modules"

	"github.com/urfave/cli"
)

/*
bosun runs linear, resumable pipelines.

usage:
 - to start a pipeline: `bosun run $CONFIG`
 - to resume a failed or interrupted pipeline: `bosun restart $PIPELINE_ROOT`
 - to run one module of a pipeline in this process: `bosun direct $PIPELINE_ROOT NN_ModuleId`
 - to serve pipeline statuses: `bosun listen $CONFIG`
 - to store the run history credentials: `bosun credentials --host ... --user ...`
*/

const (
	exitFailure     = 1
	exitConfig      = 2
	exitEnvironment = 3
	exitInterrupted = 130

	helpText = `bosun could not start the pipeline.
Fix the problem above and run "bosun run <config>" again,
or "bosun restart <pipeline root>" if a pipeline root was already created.
`
)

// hook buffers every log record until a pipeline log exists
var hook *logging.BufferHook

func main() {
	app := cli.NewApp()
	app.Name = "bosun"
	app.Usage = "run linear, resumable pipelines"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "overrides pipeline.logLevel"},
	}
	app.Before = func(c *cli.Context) error {
		var err error
		hook, err = logging.Setup(c.GlobalString("log-level"))
		return err
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "create a new pipeline root from a config and run it",
			ArgsUsage: "<config>",
			Action:    runPipeline,
		},
		{
			Name:      "restart",
			Usage:     "resume a pipeline at its first incomplete module",
			ArgsUsage: "<pipeline root>",
			Action:    restartPipeline,
		},
		{
			Name:      "direct",
			Usage:     "run one module of an existing pipeline in this process",
			ArgsUsage: "<pipeline root> <NN_ModuleId>",
			Action:    directModule,
		},
		{
			Name:      "listen",
			Usage:     "serve the status API for the pipelines under pipeline.baseDir",
			ArgsUsage: "<config>",
			Flags: []cli.Flag{
				cli.UintFlag{Name: "port", Usage: "overrides server.port"},
				cli.StringFlag{Name: "jwks", EnvVar: "BOSUN_JWKS", Usage: "overrides server.jwks"},
			},
			Action: listen,
		},
		{
			Name:  "credentials",
			Usage: "write the run history database credentials",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "host", Value: "localhost"},
				cli.StringFlag{Name: "user", Value: "bosun"},
				cli.StringFlag{Name: "password", EnvVar: "BOSUN_DB_PASSWORD"},
				cli.StringFlag{Name: "database", Value: "bosun"},
				cli.StringFlag{Name: "out", Usage: "defaults to $HOME/.bosun/dbcreds.json"},
			},
			Action: writeCredentials,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newEngine() (*engine.Engine, error) {
	reg := engine.NewRegistry()
	if err := modules.Register(reg); err != nil {
		return nil, err
	}
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate the bosun binary: %v", err)
	}
	return engine.New(reg, executable), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPipeline(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return cli.NewExitError("missing config path", exitConfig)
	}
	conf, err := config.Load(path)
	if err != nil {
		return fatal(nil, config.ProjectName(path), err)
	}
	applyLogLevel(c, conf)
	e, err := newEngine()
	if err != nil {
		return fatal(conf, conf.Pipeline.Name, err)
	}
	defer attachHistory(e, conf)()

	ctx, cancel := signalContext()
	defer cancel()
	p, err := e.Run(ctx, conf)
	if p == nil && err != nil {
		return fatal(conf, conf.Pipeline.Name, err)
	}
	return exit(err)
}

func restartPipeline(c *cli.Context) error {
	root := c.Args().Get(0)
	if root == "" {
		return cli.NewExitError("missing pipeline root", exitConfig)
	}
	root, _ = filepath.Abs(root)
	e, err := newEngine()
	if err != nil {
		return fatal(nil, filepath.Base(root), err)
	}
	var conf *config.Config
	if p, openErr := engine.OpenPipeline(root, e.Resolver); openErr == nil {
		conf = p.Config
		applyLogLevel(c, conf)
		defer attachHistory(e, conf)()
	}

	ctx, cancel := signalContext()
	defer cancel()
	p, err := e.Restart(ctx, root)
	if errors.Is(err, engine.ErrPipelineComplete) {
		logrus.Infof("%s is already complete", root)
		return nil
	}
	if p == nil && err != nil {
		return fatal(conf, filepath.Base(root), err)
	}
	return exit(err)
}

func directModule(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: bosun direct <pipeline root> <NN_ModuleId>", exitConfig)
	}
	e, err := newEngine()
	if err != nil {
		return exit(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return exit(e.Direct(ctx, c.Args().Get(0), c.Args().Get(1)))
}

func listen(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return cli.NewExitError("missing config path", exitConfig)
	}
	conf, err := config.Load(path)
	if err != nil {
		return exit(err)
	}
	port, jwks := conf.Server.Port, conf.Server.Jwks
	if c.IsSet("port") {
		port = c.Uint("port")
	}
	if c.IsSet("jwks") {
		jwks = c.String("jwks")
	}
	var history engine.HistoryReader
	if recorder := openHistory(conf); recorder != nil {
		defer recorder.Close()
		history = recorder
	}
	ctx, cancel := signalContext()
	defer cancel()
	return exit(engine.RunServer(ctx, conf.Pipeline.BaseDir, port, jwks, history))
}

func writeCredentials(c *cli.Context) error {
	out := c.String("out")
	if out == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return exit(err)
		}
		out = filepath.Join(home, ".bosun", "dbcreds.json")
	}
	if c.String("password") == "" {
		return cli.NewExitError("a password is required: set --password or BOSUN_DB_PASSWORD", exitConfig)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
		return exit(err)
	}
	creds := &database.DBCredentials{
		Host:         c.String("host"),
		User:         c.String("user"),
		Password:     c.String("password"), //pragma: allowlist secret
		DatabaseName: c.String("database"),
	}
	if err := database.WriteCredentials(out, creds); err != nil {
		return exit(err)
	}
	logrus.Infof("wrote database credentials to %s; set history.credentials to this path", out)
	return nil
}

func applyLogLevel(c *cli.Context, conf *config.Config) {
	if c.GlobalIsSet("log-level") {
		return
	}
	level, err := logrus.ParseLevel(conf.Pipeline.LogLevel)
	if err != nil {
		logrus.Warnf("ignoring pipeline.logLevel: %v", err)
		return
	}
	logrus.SetLevel(level)
}

// attachHistory connects the run history database when history.dao is set.
// The history is an observer: a database that cannot be reached only costs the record.
func attachHistory(e *engine.Engine, conf *config.Config) func() {
	recorder := openHistory(conf)
	if recorder == nil {
		return func() {}
	}
	e.History = recorder
	return recorder.Close
}

// openHistory returns nil when history.dao is unset or the database cannot be reached.
func openHistory(conf *config.Config) *database.Recorder {
	if conf.History.Dao == "" {
		return nil
	}
	dao, err := database.DaoFactory(conf.History.Dao, conf.History.Credentials)
	if err != nil {
		logrus.Warnf("run history disabled: %v", err)
		return nil
	}
	return database.NewRecorder(dao)
}

// fatal reports an error that happened before the pipeline log existed
// by writing everything logged so far to a fatal error file.
func fatal(conf *config.Config, suffix string, err error) error {
	logrus.Error(err)
	dir := fatalDir(conf)
	if path, writeErr := logging.WriteFatalErrorFile(dir, "", suffix, hook.Lines(), helpText); writeErr != nil {
		logrus.Error(writeErr)
	} else {
		logrus.Infof("details written to %s", path)
	}
	return exit(err)
}

func fatalDir(conf *config.Config) string {
	if conf != nil && conf.Pipeline.Backend == config.BackendContainer && conf.Container.OutputDir != "" {
		return conf.Container.OutputDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// exit maps err onto the process exit code.
func exit(err error) error {
	if err == nil {
		return nil
	}
	return cli.NewExitError(err.Error(), exitCode(err))
}

func exitCode(err error) int {
	var envErr *engine.EnvironmentError
	switch {
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case engine.IsConfigError(err):
		return exitConfig
	case errors.As(err, &envErr):
		return exitEnvironment
	}
	var violation *config.ViolationError
	if errors.As(err, &violation) {
		return exitConfig
	}
	return exitFailure
}
