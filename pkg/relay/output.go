package relay

import (
	"context"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/pkg/errors"
)

// output is the muxer side. The video stream is added once the encoder is
// open, see attachStream.
type output struct {
	fc     *astiav.FormatContext
	stream *astiav.Stream
	url    string
}

func openOutput(url, format string, closer *astikit.Closer) (*output, error) {
	fc, err := astiav.AllocOutputFormatContext(nil, format, url)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %s output context", format)
	}
	if fc == nil {
		return nil, errors.Errorf("allocating %s output context failed", format)
	}
	closer.Add(fc.Free)

	return &output{fc: fc, url: url}, nil
}

// GlobalHeader reports whether the muxer wants codec headers out of band.
func (o *output) GlobalHeader() bool {
	return o.fc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader)
}

func (o *output) attachStream(enc *astiav.CodecContext) error {
	s := o.fc.NewStream(nil)
	if s == nil {
		return errors.New("creating output stream failed")
	}

	if err := s.CodecParameters().FromCodecContext(enc); err != nil {
		return errors.Wrap(err, "copying encoder parameters to output stream")
	}
	s.SetTimeBase(enc.TimeBase())

	o.stream = s
	return nil
}

// connect opens the transport; for RTMP this is the publish handshake. The
// transport is interrupted once ctx has been done for drainTimeout, which
// unblocks a stalled handshake or write.
func (o *output) connect(ctx context.Context, drainTimeout time.Duration, closer *astikit.Closer) error {
	if o.fc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		return nil
	}

	ii := astiav.NewIOInterrupter()
	closer.Add(ii.Free)
	stop := interruptAfter(ctx, drainTimeout, ii.Interrupt)
	closer.Add(stop)

	pb, err := astiav.OpenIOContext(o.url, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), ii, nil)
	if err != nil {
		return errors.Wrap(err, "opening output io context")
	}
	closer.AddWithError(pb.Close)
	o.fc.SetPb(pb)

	return nil
}

func (o *output) WriteHeader() error {
	return o.fc.WriteHeader(nil)
}

func (o *output) WritePacket(pkt *astiav.Packet) error {
	return o.fc.WriteInterleavedFrame(pkt)
}

func (o *output) WriteTrailer() error {
	return o.fc.WriteTrailer()
}

func (o *output) StreamIndex() int {
	return o.stream.Index()
}

// TimeBase is only final after WriteHeader: the muxer may replace it.
func (o *output) TimeBase() astiav.Rational {
	return o.stream.TimeBase()
}
