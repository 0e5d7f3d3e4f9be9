package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// ErrUndecodable is returned for empty or unrecognised audio payloads.
var ErrUndecodable = errors.New("audio: undecodable payload")

// Format names used by Clip.Format.
const (
	FormatWAV   = "wav"
	FormatMP3   = "mp3"
	FormatULaw  = "ulaw"
	FormatALaw  = "alaw"
	FormatPCM16 = "pcm16"
)

const g711SampleRate = 8000

// Clip is a validated audio payload with its playback duration.
type Clip struct {
	Format     string
	MIME       string
	SampleRate int
	Duration   time.Duration
	Data       []byte
}

// Decode validates data and computes its duration. formatHint is usually the
// Content-Type returned by the synthesis service and is only consulted for
// headerless formats.
func Decode(data []byte, formatHint string) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("%w: empty", ErrUndecodable)
	}
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return decodeWAV(data)
	case bytes.HasPrefix(data, []byte("ID3")) || hasMP3Sync(data):
		return decodeMP3(data)
	}

	mediaType, params := parseHint(formatHint)
	switch mediaType {
	case "audio/basic", "audio/pcmu", "audio/x-mulaw", "audio/ulaw":
		return decodeG711(data, FormatULaw)
	case "audio/pcma", "audio/x-alaw", "audio/alaw":
		return decodeG711(data, FormatALaw)
	case "audio/l16", "audio/pcm", "audio/x-pcm":
		rate, _ := strconv.Atoi(params["rate"])
		return decodePCM16(data, rate)
	case "audio/mpeg", "audio/mp3":
		return Clip{}, fmt.Errorf("%w: no mpeg frame header", ErrUndecodable)
	}
	return Clip{}, fmt.Errorf("%w: unknown format %q", ErrUndecodable, formatHint)
}

// Playable returns bytes and a MIME type a browser can play directly.
// G.711 clips are transcoded to PCM16 WAV.
func (c Clip) Playable() ([]byte, string, error) {
	switch c.Format {
	case FormatULaw, FormatALaw:
		var pcm []byte
		if c.Format == FormatULaw {
			pcm = g711.DecodeUlaw(c.Data)
		} else {
			pcm = g711.DecodeAlaw(c.Data)
		}
		wav, err := EncodeWAVPCM16LE(pcm, c.SampleRate)
		if err != nil {
			return nil, "", err
		}
		return wav, "audio/wav", nil
	case FormatPCM16:
		wav, err := EncodeWAVPCM16LE(c.Data, c.SampleRate)
		if err != nil {
			return nil, "", err
		}
		return wav, "audio/wav", nil
	}
	return c.Data, c.MIME, nil
}

func parseHint(hint string) (string, map[string]string) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", nil
	}
	mediaType, params, err := mime.ParseMediaType(hint)
	if err != nil {
		return strings.ToLower(hint), nil
	}
	return mediaType, params
}

func decodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing WAVE tag", ErrUndecodable)
	}
	var (
		byteRate   uint32
		sampleRate uint32
		dataSize   int
		haveFmt    bool
		haveData   bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return Clip{}, fmt.Errorf("%w: short fmt chunk", ErrUndecodable)
			}
			sampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
			haveFmt = true
		case "data":
			// Streamed WAVs may carry a placeholder size.
			if size < 0 || body+size > len(data) {
				size = len(data) - body
			}
			dataSize = size
			haveData = true
		}
		if haveFmt && haveData {
			break
		}
		pos = body + size + size%2
	}
	if !haveFmt || !haveData || byteRate == 0 || dataSize <= 0 {
		return Clip{}, fmt.Errorf("%w: incomplete wav", ErrUndecodable)
	}
	return Clip{
		Format:     FormatWAV,
		MIME:       "audio/wav",
		SampleRate: int(sampleRate),
		Duration:   time.Duration(dataSize) * time.Second / time.Duration(byteRate),
		Data:       data,
	}, nil
}

func decodeG711(data []byte, format string) (Clip, error) {
	var pcm []byte
	if format == FormatULaw {
		pcm = g711.DecodeUlaw(data)
	} else {
		pcm = g711.DecodeAlaw(data)
	}
	if len(pcm) != len(data)*2 {
		return Clip{}, fmt.Errorf("%w: g711 decode", ErrUndecodable)
	}
	return Clip{
		Format:     format,
		MIME:       "audio/basic",
		SampleRate: g711SampleRate,
		Duration:   time.Duration(len(data)) * time.Second / g711SampleRate,
		Data:       data,
	}, nil
}

func decodePCM16(data []byte, sampleRate int) (Clip, error) {
	if sampleRate <= 0 {
		return Clip{}, fmt.Errorf("%w: pcm without sample rate", ErrUndecodable)
	}
	if len(data)%2 != 0 {
		return Clip{}, fmt.Errorf("%w: odd pcm16 length", ErrUndecodable)
	}
	samples := len(data) / 2
	return Clip{
		Format:     FormatPCM16,
		MIME:       "audio/l16",
		SampleRate: sampleRate,
		Duration:   time.Duration(samples) * time.Second / time.Duration(sampleRate),
		Data:       data,
	}, nil
}
