package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/harshabose/screenrelay/pkg/config"
	"github.com/harshabose/screenrelay/pkg/https"
	"github.com/harshabose/screenrelay/pkg/relay"
	"github.com/harshabose/screenrelay/pkg/socket"
)

/* EXAMPLE
STREAM_KEY=live_xxx screenrelay

SCREENRELAY_STATUS_ADDR=127.0.0.1:8080 STREAM_KEY=live_xxx screenrelay
curl http://127.0.0.1:8080/internal/status
*/

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:          "screenrelay",
		Short:        "Stream the desktop to an RTMP ingest",
		Long:         `screenrelay captures the screen, encodes it as H.264 and publishes it as FLV over RTMP. The stream key is read from STREAM_KEY, or from a .env file in the working directory.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", config.EnvLogLevel)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logger, nil
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := relay.NewRelay(relay.OptionsFromConfig(cfg), logger)
	logger.WithFields(logrus.Fields{
		"session": r.Session(),
		"url":     cfg.Redacted(),
		"capture": cfg.Capture.Format,
	}).Info("starting screen relay")

	g, ctx := errgroup.WithContext(ctx)
	relayDone := make(chan struct{})

	g.Go(func() error {
		defer close(relayDone)
		return r.Run(ctx)
	})

	if cfg.StatusAddr != "" {
		srv := socket.NewServer(ctx, socket.DefaultServerConfig(), https.Config{Addr: cfg.StatusAddr}, r.Metrics(), logger.WithField("session", r.Session()))

		g.Go(func() error {
			select {
			case <-srv.ServeAndWait():
			case <-relayDone:
			}
			return srv.Close()
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("screen relay exited")
		return err
	}

	return nil
}
