package media

import (
	"errors"
	"fmt"
	"time"

	pionopus "github.com/pion/opus"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"
)

// Opus framing used on the wire: 48 kHz mono, 20 ms per packet.
const (
	OpusSampleRate    = 48000
	OpusChannels      = 1
	OpusFrameDuration = 20 * time.Millisecond
	OpusFrameSamples  = OpusSampleRate * int(OpusFrameDuration/time.Millisecond) / 1000 // 960

	// maxFrameSamples covers the longest Opus packet (120 ms).
	maxFrameSamples = 5760
	maxPacketBytes  = 1275
)

// ErrEmptyPacket indicates an Opus packet with no payload.
var ErrEmptyPacket = errors.New("empty opus packet")

// Encoder turns PCM frames of any length into 20 ms Opus packets.
type Encoder struct {
	enc     *gopus.Encoder
	pending []int16
}

// NewEncoder creates a VoIP-tuned mono encoder. A bitrate of 0 keeps the
// codec default.
func NewEncoder(bitrate int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(OpusSampleRate, OpusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewEncoder",
		"sample_rate": OpusSampleRate,
		"bitrate":     bitrate,
	}).Debug("Opus encoder created")

	return &Encoder{enc: enc}, nil
}

// Encode buffers frame and returns every complete packet now available.
// The frame must already be at OpusSampleRate.
func (e *Encoder) Encode(frame Frame) ([][]byte, error) {
	if frame.SampleRate != 0 && frame.SampleRate != OpusSampleRate {
		return nil, fmt.Errorf("opus encode: unsupported sample rate %d", frame.SampleRate)
	}
	for _, v := range frame.Samples {
		e.pending = append(e.pending, FloatToInt16(v))
	}

	var packets [][]byte
	for len(e.pending) >= OpusFrameSamples {
		pkt, err := e.enc.Encode(e.pending[:OpusFrameSamples], OpusFrameSamples, maxPacketBytes)
		if err != nil {
			return packets, fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[OpusFrameSamples:]
	}
	return packets, nil
}

// Decoder turns Opus packets into PCM frames. SILK packets go through the
// pure Go pion decoder; anything it rejects (CELT, hybrid) is retried with
// libopus.
type Decoder struct {
	pion     pionopus.Decoder
	fallback *gopus.Decoder
	out      []byte
}

// NewDecoder creates a 48 kHz mono decoder.
func NewDecoder() (*Decoder, error) {
	fallback, err := gopus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{
		pion:     pionopus.NewDecoder(),
		fallback: fallback,
		out:      make([]byte, maxFrameSamples*2),
	}, nil
}

// Decode decodes one packet.
func (d *Decoder) Decode(packet []byte) (Frame, error) {
	if len(packet) == 0 {
		return Frame{}, ErrEmptyPacket
	}

	if n := packetSamples(packet); n > 0 && n <= maxFrameSamples {
		bandwidth, isStereo, err := d.pion.Decode(packet, d.out)
		if rate := bandwidth.SampleRate(); err == nil && !isStereo && rate > 0 && OpusSampleRate%rate == 0 {
			native := make([]float64, n*rate/OpusSampleRate)
			for i := range native {
				native[i] = Int16ToFloat(int16(d.out[i*2]) | int16(d.out[i*2+1])<<8)
			}
			return Frame{Samples: upsample(native, OpusSampleRate/rate), SampleRate: OpusSampleRate}, nil
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Decode",
				"error":    err.Error(),
			}).Debug("Pure Go opus decode failed, using libopus")
		}
	}

	pcm, err := d.fallback.Decode(packet, maxFrameSamples, false)
	if err != nil {
		return Frame{}, fmt.Errorf("opus decode: %w", err)
	}
	samples := make([]float64, len(pcm))
	for i, v := range pcm {
		samples[i] = Int16ToFloat(v)
	}
	return Frame{Samples: samples, SampleRate: OpusSampleRate}, nil
}

// upsample raises the rate of in by an integer factor with linear
// interpolation.
func upsample(in []float64, factor int) []float64 {
	if factor <= 1 {
		return in
	}
	out := make([]float64, len(in)*factor)
	for i, v := range in {
		next := v
		if i+1 < len(in) {
			next = in[i+1]
		}
		for k := 0; k < factor; k++ {
			out[i*factor+k] = v + (next-v)*float64(k)/float64(factor)
		}
	}
	return out
}

// packetSamples returns the number of 48 kHz samples a packet decodes to,
// read from its TOC byte, or 0 when the packet is not SILK-only.
func packetSamples(packet []byte) int {
	toc := packet[0]
	config := int(toc >> 3)
	if config > 11 {
		return 0
	}
	durationsMs := [4]int{10, 20, 40, 60}
	perFrame := durationsMs[config%4] * OpusSampleRate / 1000

	frames := 1
	switch toc & 0x3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3f)
	}
	return perFrame * frames
}
