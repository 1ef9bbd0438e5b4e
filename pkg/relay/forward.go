package relay

import (
	"context"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Source yields demuxed packets. ReadPacket returns io.EOF at end of input.
type Source interface {
	ReadPacket(pkt *astiav.Packet) error
	StreamIndex() int
	TimeBase() astiav.Rational
}

// Decoder is satisfied by *astiav.CodecContext.
type Decoder interface {
	SendPacket(pkt *astiav.Packet) error
	ReceiveFrame(f *astiav.Frame) error
}

// Encoder is satisfied by *astiav.CodecContext.
type Encoder interface {
	SendFrame(f *astiav.Frame) error
	ReceivePacket(pkt *astiav.Packet) error
}

type Sink interface {
	WriteHeader() error
	WritePacket(pkt *astiav.Packet) error
	WriteTrailer() error
	StreamIndex() int
	TimeBase() astiav.Rational
}

// Forwarder is the packet loop: read, decode, encode, rescale, write. It is
// single threaded and every step blocks.
type Forwarder struct {
	source  Source
	decoder Decoder
	encoder Encoder
	sink    Sink

	metrics *Metrics
	log     *logrus.Entry

	inPkt  *astiav.Packet
	outPkt *astiav.Packet
	frame  *astiav.Frame
}

func NewForwarder(source Source, decoder Decoder, encoder Encoder, sink Sink, metrics *Metrics, log *logrus.Entry) *Forwarder {
	return &Forwarder{
		source:  source,
		decoder: decoder,
		encoder: encoder,
		sink:    sink,
		metrics: metrics,
		log:     log,
		inPkt:   astiav.AllocPacket(),
		outPkt:  astiav.AllocPacket(),
		frame:   astiav.AllocFrame(),
	}
}

func (f *Forwarder) Free() {
	f.inPkt.Free()
	f.outPkt.Free()
	f.frame.Free()
}

// Run writes the header, forwards until the source is exhausted or ctx is
// done, drains both codecs and writes the trailer. The trailer is skipped
// when a fatal error ends the loop.
func (f *Forwarder) Run(ctx context.Context) error {
	if err := f.sink.WriteHeader(); err != nil {
		return errors.Wrap(err, "writing header")
	}
	f.metrics.SetState(StateStreaming)
	f.log.Info("header written, streaming")

	for {
		if ctx.Err() != nil {
			f.log.Info("stop requested")
			break
		}

		if err := f.source.ReadPacket(f.inPkt); err != nil {
			if errors.Is(err, io.EOF) {
				f.log.Info("end of input")
				break
			}
			if ctx.Err() != nil {
				f.log.Info("stop requested")
				break
			}
			return errors.Wrap(err, "reading packet")
		}
		f.metrics.packetRead()

		if f.inPkt.StreamIndex() != f.source.StreamIndex() {
			f.inPkt.Unref()
			f.metrics.packetIgnored()
			continue
		}

		err := f.decode(f.inPkt)
		f.inPkt.Unref()
		if err != nil {
			return err
		}
	}

	f.metrics.SetState(StateDraining)
	if err := f.flush(); err != nil {
		return err
	}

	if err := f.sink.WriteTrailer(); err != nil {
		return errors.Wrap(err, "writing trailer")
	}
	f.log.Info("trailer written")

	return nil
}

func (f *Forwarder) flush() error {
	if err := f.decode(nil); err != nil {
		return err
	}

	return f.encode(nil)
}

// decode feeds one packet (nil drains) and pushes every frame it yields to the
// encoder. Codec failures skip the packet; only write errors come back.
func (f *Forwarder) decode(pkt *astiav.Packet) error {
	if err := f.decoder.SendPacket(pkt); err != nil {
		if pkt == nil && errors.Is(err, astiav.ErrEof) {
			return nil
		}
		f.metrics.decodeFailed()
		f.log.WithError(err).Debug("decoder rejected packet, skipping")
		return nil
	}

	for {
		if err := f.decoder.ReceiveFrame(f.frame); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			f.metrics.decodeFailed()
			f.log.WithError(err).Debug("decoding failed, skipping")
			return nil
		}
		f.metrics.frameDecoded()

		err := f.encode(f.frame)
		f.frame.Unref()
		if err != nil {
			return err
		}
	}
}

// encode feeds one frame (nil drains) and writes every packet it yields.
func (f *Forwarder) encode(frame *astiav.Frame) error {
	if err := f.encoder.SendFrame(frame); err != nil {
		if frame == nil && errors.Is(err, astiav.ErrEof) {
			return nil
		}
		f.metrics.encodeFailed()
		f.log.WithError(err).Debug("encoder rejected frame, skipping")
		return nil
	}

	for {
		if err := f.encoder.ReceivePacket(f.outPkt); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			f.metrics.encodeFailed()
			f.log.WithError(err).Debug("encoding failed, skipping")
			return nil
		}
		f.metrics.packetEncoded()

		if err := f.write(f.outPkt); err != nil {
			return err
		}
	}
}

func (f *Forwarder) write(pkt *astiav.Packet) error {
	pkt.SetStreamIndex(f.sink.StreamIndex())
	pkt.RescaleTs(f.source.TimeBase(), f.sink.TimeBase())

	size, pts := pkt.Size(), pkt.Pts()
	key := pkt.Flags().Has(astiav.PacketFlagKey)

	err := f.sink.WritePacket(pkt)
	pkt.Unref()
	if err != nil {
		return errors.Wrap(err, "writing packet")
	}

	f.metrics.packetWritten(size, key, pts)
	return nil
}
