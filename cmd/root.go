// Package cmd wires the periscope CLI: the GUI server, connection
// management, one-shot sessions and version reporting.
package cmd

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/lib/consts"
	"github.com/perimetric/periscope/log"
)

// BannerColor is the color of the banner printed by the root command.
var BannerColor = color.New(color.FgCyan)

//nolint:gochecknoglobals
var (
	outMutex  = &sync.Mutex{}
	stdoutTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	stderrTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	stdout    = &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex}
	stderr    = &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex}
)

const (
	defaultAddress      = "localhost:7171"
	waitLogFlushTimeout = 5 * time.Second
)

// envOverrides are the environment knobs applied over built-in defaults and
// under explicitly set flags.
type envOverrides struct {
	Address   string `envconfig:"PERISCOPE_ADDRESS"`
	ConfigDir string `envconfig:"PERISCOPE_CONFIG_DIR"`
	LogOutput string `envconfig:"PERISCOPE_LOG_OUTPUT"`
}

// rootCommand keeps all fields needed by the main periscope command.
type rootCommand struct {
	ctx           context.Context
	logger        *logrus.Logger
	cmd           *cobra.Command
	loggerStopped <-chan struct{}
	loggerIsAsync bool

	verbose   bool
	quiet     bool
	noColor   bool
	logOutput string
	logFmt    string
	address   string
	configDir string
}

func newRootCommand(ctx context.Context, logger *logrus.Logger) *rootCommand {
	c := &rootCommand{
		ctx:    ctx,
		logger: logger,
	}
	// the base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "periscope",
		Short:             "remote browser automation over SSH",
		Long:              BannerColor.Sprintf("\n%s", consts.Banner()),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	if err := c.applyEnv(cmd.Flags(), os.LookupEnv); err != nil {
		return err
	}
	var err error
	c.loggerStopped, err = c.setupLogger()
	if err != nil {
		return err
	}
	select {
	case <-c.loggerStopped:
	default:
		c.loggerIsAsync = true
	}

	if c.noColor {
		stdout.Writer = colorable.NewNonColorable(os.Stdout)
		stderr.Writer = colorable.NewNonColorable(os.Stderr)
	}
	stdlog.SetOutput(c.logger.Writer())
	c.logger.Debugf("periscope version: %s", consts.FullVersion())
	return nil
}

// applyEnv folds environment overrides into the unset flags, so precedence
// stays flag > environment > default.
func (c *rootCommand) applyEnv(flags *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var env envOverrides
	if err := envconfig.Process("", &env, lookup); err != nil {
		return err
	}
	if env.Address != "" && !flags.Changed("address") {
		c.address = env.Address
	}
	if env.ConfigDir != "" && !flags.Changed("config-dir") {
		c.configDir = env.ConfigDir
	}
	if env.LogOutput != "" && !flags.Changed("log-output") {
		c.logOutput = env.LogOutput
	}
	return nil
}

// Execute builds the command tree and runs it. This is called by main().
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	c := newRootCommand(ctx, logger)
	c.cmd.AddCommand(
		getServeCmd(c),
		getConnectionsCmd(c),
		getRunCmd(c),
		getVersionCmd(),
	)

	if err := c.cmd.Execute(); err != nil {
		errText, fields := errext.Format(err)
		logger.WithFields(fields).Debug(errText)

		fprintf(stderr, "%s %s\n", color.RedString("✗"), errText)
		if hint, ok := fields["hint"]; ok {
			fprintf(stderr, "  %s\n", hint)
		}
		cancel()
		c.waitLoggerStopped()
		os.Exit(1)
	}

	cancel()
	c.waitLoggerStopped()
}

// waitLoggerStopped gives an async log hook a beat to flush before the
// process exits.
func (c *rootCommand) waitLoggerStopped() {
	if !c.loggerIsAsync {
		return
	}
	select {
	case <-c.loggerStopped:
	case <-time.After(waitLogFlushTimeout):
	}
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "disable the banner and progress output")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.logOutput, "log-output", "stderr",
		"change the output for periscope logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.StringVar(&c.logFmt, "logformat", "", "log output format, possible values are text,json,raw")
	flags.StringVarP(&c.address, "address", "a", defaultAddress, "address for the GUI api server")

	defaultDir, err := config.DefaultDir()
	if err != nil {
		defaultDir = config.DefaultDirName
	}
	flags.StringVar(&c.configDir, "config-dir", defaultDir, "directory holding config.json and the secret salt")
	return flags
}

// fprintf panics when there's an error writing to the supplied io.Writer
func fprintf(w io.Writer, format string, a ...interface{}) (n int) {
	n, err := fmt.Fprintf(w, format, a...)
	if err != nil {
		panic(err.Error())
	}
	return n
}

// RawFormatter does nothing with the message, it just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// setupLogger configures output, level and format. The returned channel is
// closed once the logger has flushed everything after the root context ends;
// it starts out closed unless an async hook is buffering log lines.
func (c *rootCommand) setupLogger() (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)

	if c.verbose {
		c.logger.SetLevel(logrus.DebugLevel)
	}
	switch {
	case c.logOutput == "stderr":
		c.logger.SetOutput(stderr)
	case c.logOutput == "stdout":
		c.logger.SetOutput(stdout)
	case c.logOutput == "none":
		c.logger.SetOutput(io.Discard)
	case strings.HasPrefix(c.logOutput, "file"):
		fallbackLogger := &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		}
		done := make(chan struct{})
		hook, err := log.FileHookFromConfigLine(
			c.ctx, afero.NewOsFs(), os.Getwd, fallbackLogger, c.logOutput, done,
		)
		if err != nil {
			return nil, err
		}
		ch = done
		c.logger.AddHook(hook)
		c.logger.SetOutput(io.Discard)
	default:
		return nil, fmt.Errorf("unsupported log output `%s`", c.logOutput)
	}

	switch c.logFmt {
	case "raw":
		c.logger.SetFormatter(&RawFormatter{})
		c.logger.Debug("Logger format: RAW")
	case "json":
		c.logger.SetFormatter(&logrus.JSONFormatter{})
		c.logger.Debug("Logger format: JSON")
	default:
		c.logger.SetFormatter(&logrus.TextFormatter{ForceColors: stderrTTY, DisableColors: c.noColor})
		c.logger.Debug("Logger format: TEXT")
	}
	return ch, nil
}

func maybePrintBanner(c *rootCommand) {
	if !c.quiet {
		fprintf(stdout, "\n%s\n\n", BannerColor.Sprint(consts.Banner()))
	}
}
