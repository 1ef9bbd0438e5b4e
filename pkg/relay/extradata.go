package relay

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pkg/errors"
)

var ErrNoSPS = errors.New("no SPS in encoder extradata")

// parameterSets splits H.264 extradata into NAL units. libx264 emits Annex-B,
// other encoders may hand out an avcC record.
func parameterSets(extradata []byte) ([][]byte, error) {
	if len(extradata) > 0 && extradata[0] == 0x01 {
		return parseAVCC(extradata)
	}

	var au h264.AnnexB
	if err := au.Unmarshal(extradata); err != nil {
		return nil, errors.Wrap(err, "parsing annex-b extradata")
	}

	return au, nil
}

func parseAVCC(b []byte) ([][]byte, error) {
	var record h264parser.AVCDecoderConfRecord
	if _, err := record.Unmarshal(b); err != nil {
		return nil, errors.Wrap(err, "parsing avcC extradata")
	}

	return append(record.SPS, record.PPS...), nil
}

// checkCodedSize verifies the SPS the encoder produced describes a picture of
// width x height. Empty extradata (no global header) is not an error.
func checkCodedSize(extradata []byte, width, height int) error {
	if len(extradata) == 0 {
		return nil
	}

	nalus, err := parameterSets(extradata)
	if err != nil {
		return err
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
			continue
		}

		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return errors.Wrap(err, "parsing SPS")
		}

		if sps.Width() != width || sps.Height() != height {
			return errors.Errorf("encoder SPS is %dx%d, expected %dx%d", sps.Width(), sps.Height(), width, height)
		}
		return nil
	}

	return ErrNoSPS
}
