package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	null "gopkg.in/guregu/null.v3"

	"github.com/perimetric/periscope/cdp"
	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/session"
)

// runOptions collects the flags of the one-shot run command.
type runOptions struct {
	connectionID string
	url          string
	waitUntil    string
	timeout      time.Duration
	screenshot   string
	fullPage     bool
	har          string
	headless     bool
	localPort    int
	remotePort   int
}

func getRunCmd(c *rootCommand) *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a one-shot session: connect, navigate, capture, tear down",
		Long: `Bring up a full session against a stored connection, navigate to a URL,
optionally write a screenshot and a HAR capture, then tear everything down.`,
		Example: `  periscope run -c 2f1d… --url https://example.com --screenshot out.png
  periscope run -c 2f1d… --url https://app.internal --har traffic.har --wait-until networkidle`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(c.logger, nil)
			fs := afero.NewOsFs()
			store, err := config.NewStore(fs, c.configDir, logger)
			if err != nil {
				return err
			}
			manager := session.NewManager(ctx, logger, fs, store, session.Options{})

			startOpts := session.StartOptions{
				ConnectionID: opts.connectionID,
				Headless:     null.BoolFrom(opts.headless),
				LocalPort:    null.IntFrom(int64(opts.localPort)),
			}
			if cmd.Flags().Changed("remote-port") {
				startOpts.RemotePort = null.IntFrom(int64(opts.remotePort))
			}

			maybePrintBanner(c)
			if _, err := manager.Start(ctx, startOpts); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
				defer cancel()
				if err := manager.Stop(stopCtx); err != nil {
					logger.Debugf("Run", "session stop: %v", err)
				}
			}()

			sess, err := manager.Session()
			if err != nil {
				return err
			}
			ok := color.GreenString("✓")
			fprintf(stdout, "%s session ready on %s\n", ok, sess.Descriptor().Host)
			fprintf(stdout, "%s DevTools forwarded to 127.0.0.1:%d\n", ok, sess.LocalPort())

			// Recording has to be on before navigation or the HAR misses the
			// document request itself.
			if opts.har != "" {
				if err := sess.NetworkStart(ctx); err != nil {
					return err
				}
			}

			result, err := sess.Navigate(ctx, opts.url, cdp.NavigateOptions{
				WaitUntil: opts.waitUntil,
				Timeout:   opts.timeout,
			})
			if err != nil {
				return err
			}
			title := result.Title
			if title == "" {
				title = "untitled"
			}
			fprintf(stdout, "%s loaded %s (%s)\n", ok, result.URL, title)

			if opts.screenshot != "" {
				if err := writeScreenshot(ctx, fs, sess, opts); err != nil {
					return err
				}
			}
			if opts.har != "" {
				if err := writeHAR(ctx, fs, sess, opts.har); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := runCmd.Flags()
	flags.StringVarP(&opts.connectionID, "connection", "c", "", "id of the stored connection to use")
	flags.StringVar(&opts.url, "url", "", "url to navigate to")
	flags.StringVar(&opts.waitUntil, "wait-until", cdp.WaitLoad,
		"lifecycle event to wait for: load, domcontentloaded or networkidle")
	flags.DurationVar(&opts.timeout, "timeout", 0, "navigation timeout, 0 uses the built-in default")
	flags.StringVar(&opts.screenshot, "screenshot", "", "write a screenshot of the loaded page to this path")
	flags.BoolVar(&opts.fullPage, "full-page", false, "capture the full scroll height, not just the viewport")
	flags.StringVar(&opts.har, "har", "", "record network traffic and write a HAR file to this path")
	flags.BoolVar(&opts.headless, "headless", true, "launch the remote browser headless")
	flags.IntVar(&opts.localPort, "local-port", 0, "local end of the DevTools forward, 0 picks a free port")
	flags.IntVar(&opts.remotePort, "remote-port", 9222, "remote DevTools debug port")
	_ = runCmd.MarkFlagRequired("connection")
	_ = runCmd.MarkFlagRequired("url")
	return runCmd
}

func writeScreenshot(ctx context.Context, fs afero.Fs, sess *session.Session, opts *runOptions) error {
	format := "png"
	switch strings.ToLower(filepath.Ext(opts.screenshot)) {
	case ".jpg", ".jpeg":
		format = "jpeg"
	case ".webp":
		format = "webp"
	}
	data, _, err := sess.Screenshot(ctx, cdp.ScreenshotOptions{Format: format, FullPage: opts.fullPage})
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, opts.screenshot, data, 0o644); err != nil {
		return err
	}
	fprintf(stdout, "%s screenshot written to %s (%d bytes)\n", color.GreenString("✓"), opts.screenshot, len(data))
	return nil
}

func writeHAR(ctx context.Context, fs afero.Fs, sess *session.Session, path string) error {
	if err := sess.NetworkStop(ctx); err != nil {
		return err
	}
	h, err := sess.NetworkExportHAR()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return err
	}
	fprintf(stdout, "%s har written to %s (%d entries)\n", color.GreenString("✓"), path, len(h.Log.Entries))
	return nil
}
