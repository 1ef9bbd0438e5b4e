package relay

import (
	"context"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshabose/screenrelay/pkg/config"
)

var ErrAlreadyRun = errors.New("relay can only run once")

type Options struct {
	Capture     config.Capture
	URL         string
	Format      string
	Encoder     config.Encoder
	RedactedURL string

	// DrainTimeout bounds how long the output may block after ctx is done.
	DrainTimeout time.Duration
}

func OptionsFromConfig(c config.Config) Options {
	return Options{
		Capture:     c.Capture,
		URL:         c.RTMPURL(),
		Format:      c.OutputFormat,
		Encoder:     c.Encoder,
		RedactedURL: c.Redacted(),
	}
}

// Relay captures the screen and publishes it as H.264 in FLV. One Relay is
// one session; Run may be called once.
type Relay struct {
	opts    Options
	session string
	log     *logrus.Entry
	logger  *logrus.Logger
	metrics *Metrics
	once    sync.Once
}

func NewRelay(opts Options, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.RedactedURL == "" {
		opts.RedactedURL = opts.URL
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	session := uuid.NewString()

	return &Relay{
		opts:    opts,
		session: session,
		logger:  logger,
		log:     logger.WithFields(logrus.Fields{"session": session, "url": opts.RedactedURL}),
		metrics: NewMetrics(session),
	}
}

func (r *Relay) Session() string {
	return r.session
}

func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

// Run blocks until the capture ends, ctx is cancelled or a fatal error occurs.
// Cancelling ctx is a clean stop: the codecs are drained and the trailer
// written.
func (r *Relay) Run(ctx context.Context) error {
	err := ErrAlreadyRun
	r.once.Do(func() {
		err = r.run(ctx)
		if err != nil && ctx.Err() != nil && errors.Is(err, astiav.ErrExit) {
			r.log.WithError(err).Warn("output interrupted while stopping")
			err = nil
		}
		if err != nil {
			r.metrics.SetState(StateFailed)
			r.metrics.AddError(err)
			r.log.WithError(err).Error("relay failed")
			return
		}
		r.metrics.SetState(StateStopped)
		r.log.Info("relay stopped")
	})

	return err
}

func (r *Relay) run(ctx context.Context) error {
	initialise(r.logger)
	r.metrics.SetState(StateOpening)

	closer := astikit.NewCloser()
	defer func() {
		if err := closer.Close(); err != nil {
			r.log.WithError(err).Warn("releasing libav resources")
		}
	}()

	in, err := openInput(ctx, r.opts.Capture, closer)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"format": r.opts.Capture.Format,
		"device": r.opts.Capture.Device,
		"stream": in.StreamIndex(),
	}).Info("capture opened")

	out, err := openOutput(r.opts.URL, r.opts.Format, closer)
	if err != nil {
		return err
	}

	dec, err := openDecoder(in.stream, closer)
	if err != nil {
		return err
	}

	settings := NewEncoderSettings(dec.Width(), dec.Height(), r.opts.Encoder, out.GlobalHeader())
	enc, err := openEncoder(settings, closer)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"width":    settings.Width,
		"height":   settings.Height,
		"bit_rate": settings.BitRate,
	}).Info("encoder opened")

	if err := out.attachStream(enc); err != nil {
		return err
	}

	if settings.GlobalHeader {
		if err := checkCodedSize(out.stream.CodecParameters().ExtraData(), settings.Width, settings.Height); err != nil {
			return errors.Wrap(err, "verifying encoder headers")
		}
	}

	if err := out.connect(ctx, r.opts.DrainTimeout, closer); err != nil {
		return err
	}
	r.log.Info("output connected")

	fwd := NewForwarder(in, dec, newVideoEncoder(enc, closer), out, r.metrics, r.log)
	closer.Add(fwd.Free)

	return fwd.Run(ctx)
}
