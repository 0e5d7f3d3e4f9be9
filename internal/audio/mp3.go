package audio

import (
	"fmt"
	"time"
)

var mp3Bitrates = [5][16]int{
	{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, -1}, // MPEG1 layer I
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, -1},    // MPEG1 layer II
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1},     // MPEG1 layer III
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, -1},    // MPEG2 layer I
	{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1},         // MPEG2 layer II/III
}

var mp3SampleRates = [4][3]int{
	{11025, 12000, 8000},  // MPEG2.5
	{},                    // reserved
	{22050, 24000, 16000}, // MPEG2
	{44100, 48000, 32000}, // MPEG1
}

type mp3Frame struct {
	length     int
	samples    int
	sampleRate int
}

func parseMP3Header(b []byte) (mp3Frame, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return mp3Frame{}, false
	}
	version := int(b[1]>>3) & 3
	layer := int(b[1]>>1) & 3
	bitrateIdx := int(b[2] >> 4)
	rateIdx := int(b[2]>>2) & 3
	padding := int(b[2]>>1) & 1
	if version == 1 || layer == 0 || rateIdx == 3 {
		return mp3Frame{}, false
	}
	mpeg1 := version == 3

	var table int
	switch {
	case mpeg1 && layer == 3:
		table = 0
	case mpeg1 && layer == 2:
		table = 1
	case mpeg1:
		table = 2
	case layer == 3:
		table = 3
	default:
		table = 4
	}
	kbps := mp3Bitrates[table][bitrateIdx]
	if kbps <= 0 {
		return mp3Frame{}, false
	}
	sampleRate := mp3SampleRates[version][rateIdx]
	bitrate := kbps * 1000

	f := mp3Frame{sampleRate: sampleRate}
	switch layer {
	case 3: // layer I
		f.samples = 384
		f.length = (12*bitrate/sampleRate + padding) * 4
	case 2: // layer II
		f.samples = 1152
		f.length = 144*bitrate/sampleRate + padding
	default: // layer III
		if mpeg1 {
			f.samples = 1152
			f.length = 144*bitrate/sampleRate + padding
		} else {
			f.samples = 576
			f.length = 72*bitrate/sampleRate + padding
		}
	}
	if f.length < 4 {
		return mp3Frame{}, false
	}
	return f, true
}

func hasMP3Sync(data []byte) bool {
	_, ok := parseMP3Header(data)
	return ok
}

func skipID3v2(data []byte) int {
	if len(data) < 10 || string(data[:3]) != "ID3" {
		return 0
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	total := 10 + size
	if data[5]&0x10 != 0 {
		total += 10
	}
	return total
}

// decodeMP3 walks the MPEG frame headers and sums their sample counts.
func decodeMP3(data []byte) (Clip, error) {
	pos := skipID3v2(data)
	var (
		frames     int
		samples    int
		sampleRate int
	)
	for pos+4 <= len(data) {
		f, ok := parseMP3Header(data[pos:])
		if !ok {
			if frames == 0 {
				pos++
				continue
			}
			break
		}
		frames++
		samples += f.samples
		if sampleRate == 0 {
			sampleRate = f.sampleRate
		}
		pos += f.length
	}
	if frames == 0 || sampleRate == 0 {
		return Clip{}, fmt.Errorf("%w: no mpeg frames", ErrUndecodable)
	}
	return Clip{
		Format:     FormatMP3,
		MIME:       "audio/mpeg",
		SampleRate: sampleRate,
		Duration:   time.Duration(samples) * time.Second / time.Duration(sampleRate),
		Data:       data,
	}, nil
}
