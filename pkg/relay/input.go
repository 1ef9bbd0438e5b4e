package relay

import (
	"context"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/pkg/errors"

	"github.com/harshabose/screenrelay/pkg/config"
)

var ErrNoVideoStream = errors.New("input has no video stream")

// input is the capture side: a demuxer opened on the screen-grab device with
// the video stream it forwards.
type input struct {
	fc     *astiav.FormatContext
	stream *astiav.Stream
}

func openInput(ctx context.Context, capture config.Capture, closer *astikit.Closer) (*input, error) {
	format := astiav.FindInputFormat(capture.Format)
	if format == nil {
		return nil, errors.Errorf("input format %q not found", capture.Format)
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("allocating input format context failed")
	}
	closer.Add(fc.Free)

	ii := astiav.NewIOInterrupter()
	closer.Add(ii.Free)
	fc.SetIOInterrupter(ii)

	d := astiav.NewDictionary()
	defer d.Free()
	for k, v := range capture.Options {
		if err := d.Set(k, v, astiav.NewDictionaryFlags()); err != nil {
			return nil, errors.Wrapf(err, "setting capture option %s", k)
		}
	}

	// unblocks OpenInput and ReadFrame once ctx is done
	stop := context.AfterFunc(ctx, ii.Interrupt)
	closer.Add(func() { stop() })

	if err := fc.OpenInput(capture.Device, format, d); err != nil {
		return nil, errors.Wrapf(err, "opening %s input %q", capture.Format, capture.Device)
	}
	closer.Add(fc.CloseInput)

	if err := fc.FindStreamInfo(nil); err != nil {
		return nil, errors.Wrap(err, "probing input stream info")
	}

	stream, err := selectVideoStream(fc.Streams())
	if err != nil {
		return nil, err
	}

	return &input{fc: fc, stream: stream}, nil
}

func selectVideoStream(streams []*astiav.Stream) (*astiav.Stream, error) {
	for _, s := range streams {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			return s, nil
		}
	}

	return nil, ErrNoVideoStream
}

// ReadPacket returns io.EOF once the capture ends.
func (i *input) ReadPacket(pkt *astiav.Packet) error {
	if err := i.fc.ReadFrame(pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return io.EOF
		}
		return err
	}

	return nil
}

func (i *input) StreamIndex() int {
	return i.stream.Index()
}

func (i *input) TimeBase() astiav.Rational {
	return i.stream.TimeBase()
}
