package relay

import (
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/pkg/errors"

	"github.com/harshabose/screenrelay/pkg/config"
)

var ErrNoH264Encoder = errors.New("no H.264 encoder available")

// EncoderSettings is everything the H.264 encoder is opened with.
type EncoderSettings struct {
	Width        int
	Height       int
	PixelFormat  astiav.PixelFormat
	TimeBase     astiav.Rational
	FrameRate    astiav.Rational
	BitRate      int64
	MaxBFrames   int
	GlobalHeader bool
}

// NewEncoderSettings sizes the encoder after the decoder so frames pass
// through at capture resolution.
func NewEncoderSettings(width, height int, enc config.Encoder, globalHeader bool) EncoderSettings {
	enc.SetDefaults()
	num, den := enc.FrameRate()

	return EncoderSettings{
		Width:        width,
		Height:       height,
		PixelFormat:  astiav.PixelFormatYuv420P,
		TimeBase:     astiav.NewRational(enc.TimeBaseNum, enc.TimeBaseDen),
		FrameRate:    astiav.NewRational(num, den),
		BitRate:      enc.BitRate,
		MaxBFrames:   enc.MaxBFrames,
		GlobalHeader: globalHeader,
	}
}

func (s EncoderSettings) apply(cc *astiav.CodecContext) {
	cc.SetWidth(s.Width)
	cc.SetHeight(s.Height)
	cc.SetPixelFormat(s.PixelFormat)
	cc.SetTimeBase(s.TimeBase)
	cc.SetFramerate(s.FrameRate)
	cc.SetBitRate(s.BitRate)

	if s.GlobalHeader {
		cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
}

func (s EncoderSettings) options() (*astiav.Dictionary, error) {
	d := astiav.NewDictionary()
	if err := d.Set("bf", strconv.Itoa(s.MaxBFrames), astiav.NewDictionaryFlags()); err != nil {
		d.Free()
		return nil, err
	}

	return d, nil
}

func openDecoder(stream *astiav.Stream, closer *astikit.Closer) (*astiav.CodecContext, error) {
	params := stream.CodecParameters()

	codec := astiav.FindDecoder(params.CodecID())
	if codec == nil {
		return nil, errors.Errorf("no decoder for %v", params.CodecID())
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("allocating decoder context failed")
	}
	closer.Add(cc.Free)

	if err := params.ToCodecContext(cc); err != nil {
		return nil, errors.Wrap(err, "copying input parameters to decoder")
	}
	cc.SetTimeBase(stream.TimeBase())

	if err := cc.Open(codec, nil); err != nil {
		return nil, errors.Wrapf(err, "opening %s decoder", codec.Name())
	}

	return cc, nil
}

func openEncoder(settings EncoderSettings, closer *astikit.Closer) (*astiav.CodecContext, error) {
	codec := astiav.FindEncoder(astiav.CodecIDH264)
	if codec == nil {
		return nil, ErrNoH264Encoder
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("allocating encoder context failed")
	}
	closer.Add(cc.Free)

	settings.apply(cc)

	d, err := settings.options()
	if err != nil {
		return nil, errors.Wrap(err, "building encoder options")
	}
	defer d.Free()

	if err := cc.Open(codec, d); err != nil {
		return nil, errors.Wrapf(err, "opening %s encoder", codec.Name())
	}

	return cc, nil
}

// videoEncoder feeds an encoder with frames of any size or pixel format,
// converting through swscale when they differ from what the encoder was
// opened with.
type videoEncoder struct {
	cc     *astiav.CodecContext
	sws    *astiav.SoftwareScaleContext
	scaled *astiav.Frame

	srcWidth  int
	srcHeight int
	srcFormat astiav.PixelFormat
}

func newVideoEncoder(cc *astiav.CodecContext, closer *astikit.Closer) *videoEncoder {
	e := &videoEncoder{cc: cc, scaled: astiav.AllocFrame()}
	closer.Add(e.free)

	return e
}

func (e *videoEncoder) free() {
	if e.sws != nil {
		e.sws.Free()
		e.sws = nil
	}
	if e.scaled != nil {
		e.scaled.Free()
		e.scaled = nil
	}
}

// SendFrame with a nil frame starts draining the encoder.
func (e *videoEncoder) SendFrame(f *astiav.Frame) error {
	if f == nil {
		return e.cc.SendFrame(nil)
	}

	// captured frames come in flagged as I pictures; let the encoder pick
	f.SetPictureType(astiav.PictureTypeNone)

	if f.Width() == e.cc.Width() && f.Height() == e.cc.Height() && f.PixelFormat() == e.cc.PixelFormat() {
		return e.cc.SendFrame(f)
	}

	scaled, err := e.scale(f)
	if err != nil {
		return err
	}

	return e.cc.SendFrame(scaled)
}

func (e *videoEncoder) ReceivePacket(pkt *astiav.Packet) error {
	return e.cc.ReceivePacket(pkt)
}

func (e *videoEncoder) scale(f *astiav.Frame) (*astiav.Frame, error) {
	if e.sws == nil || f.Width() != e.srcWidth || f.Height() != e.srcHeight || f.PixelFormat() != e.srcFormat {
		if e.sws != nil {
			e.sws.Free()
			e.sws = nil
		}

		sws, err := astiav.CreateSoftwareScaleContext(
			f.Width(), f.Height(), f.PixelFormat(),
			e.cc.Width(), e.cc.Height(), e.cc.PixelFormat(),
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return nil, errors.Wrap(err, "creating scale context")
		}

		e.sws = sws
		e.srcWidth, e.srcHeight, e.srcFormat = f.Width(), f.Height(), f.PixelFormat()
	}

	// the encoder may still hold a reference to the previous buffer
	e.scaled.Unref()
	e.scaled.SetWidth(e.cc.Width())
	e.scaled.SetHeight(e.cc.Height())
	e.scaled.SetPixelFormat(e.cc.PixelFormat())
	if err := e.scaled.AllocBuffer(0); err != nil {
		return nil, errors.Wrap(err, "allocating scaled frame")
	}

	if err := e.sws.ScaleFrame(f, e.scaled); err != nil {
		return nil, errors.Wrap(err, "scaling frame")
	}
	e.scaled.SetPts(f.Pts())
	e.scaled.SetPictureType(astiav.PictureTypeNone)

	return e.scaled, nil
}
