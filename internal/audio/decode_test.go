package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/zaf/g711"
)

func TestDecodeWAV(t *testing.T) {
	wav := SilenceWAV(16000, 8000)
	clip, err := Decode(wav, "")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if clip.Format != FormatWAV || clip.SampleRate != 16000 {
		t.Fatalf("clip = %+v, want 16 kHz wav", clip)
	}
	if clip.Duration != 500*time.Millisecond {
		t.Fatalf("Duration = %s, want 500ms", clip.Duration)
	}
}

func TestDecodeWAVWithPlaceholderDataSize(t *testing.T) {
	wav := SilenceWAV(8000, 800)
	// data chunk size field sits at bytes 40..43.
	wav[40], wav[41], wav[42], wav[43] = 0xFF, 0xFF, 0xFF, 0xFF
	clip, err := Decode(wav, "audio/wav")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if clip.Duration != 100*time.Millisecond {
		t.Fatalf("Duration = %s, want 100ms", clip.Duration)
	}
}

func TestDecodeMP3(t *testing.T) {
	// MPEG2 layer III, 48 kbps, 24 kHz, no padding: 144-byte frames of 576 samples.
	header := []byte{0xFF, 0xF3, 0x64, 0xC4}
	frame := make([]byte, 144)
	copy(frame, header)

	var data []byte
	data = append(data, []byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 6, 1, 2, 3, 4, 5, 6}...)
	for i := 0; i < 50; i++ {
		data = append(data, frame...)
	}
	data = append(data, []byte("TAG")...)

	clip, err := Decode(data, "audio/mp3")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if clip.Format != FormatMP3 || clip.SampleRate != 24000 {
		t.Fatalf("clip = %+v, want 24 kHz mp3", clip)
	}
	if clip.Duration != 1200*time.Millisecond {
		t.Fatalf("Duration = %s, want 1.2s", clip.Duration)
	}
}

func TestDecodeG711(t *testing.T) {
	pcm := make([]byte, 1600*2)
	ulaw := g711.EncodeUlaw(pcm)

	clip, err := Decode(ulaw, "audio/basic")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if clip.Format != FormatULaw || clip.Duration != 200*time.Millisecond {
		t.Fatalf("clip = %+v, want 200ms ulaw", clip)
	}

	playable, mimeType, err := clip.Playable()
	if err != nil {
		t.Fatalf("Playable() error = %v", err)
	}
	if mimeType != "audio/wav" {
		t.Fatalf("mime = %q, want audio/wav", mimeType)
	}
	back, err := Decode(playable, mimeType)
	if err != nil {
		t.Fatalf("Decode(transcoded) error = %v", err)
	}
	if back.Duration != clip.Duration {
		t.Fatalf("transcoded duration = %s, want %s", back.Duration, clip.Duration)
	}
}

func TestDecodePCM16Hint(t *testing.T) {
	clip, err := Decode(make([]byte, 4800), "audio/L16; rate=24000")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if clip.Duration != 100*time.Millisecond {
		t.Fatalf("Duration = %s, want 100ms", clip.Duration)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		hint string
	}{
		{"empty", nil, "audio/mpeg"},
		{"json error body", []byte(`{"detail":"tts failed"}`), "application/json"},
		{"mpeg hint without frames", []byte("not really audio"), "audio/mpeg"},
		{"riff without data", []byte("RIFF\x04\x00\x00\x00WAVE"), ""},
		{"pcm without rate", make([]byte, 10), "audio/l16"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data, tc.hint); !errors.Is(err, ErrUndecodable) {
				t.Fatalf("Decode() error = %v, want ErrUndecodable", err)
			}
		})
	}
}

func TestEncodeWAVPCM16LERejectsOddLength(t *testing.T) {
	if _, err := EncodeWAVPCM16LE([]byte{1, 2, 3}, 16000); err == nil {
		t.Fatalf("expected error for odd pcm length")
	}
}
