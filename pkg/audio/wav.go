package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header: a 12-byte
// RIFF descriptor, a 24-byte "fmt " chunk and the 8-byte "data" chunk header.
const WAVHeaderSize = 44

// wavFormatPCM is the WAVE_FORMAT_PCM audio format tag.
const wavFormatPCM = 1

// ErrInvalidWAV is returned by [ParseWAV] for data that is not a decodable
// PCM RIFF/WAVE container.
var ErrInvalidWAV = errors.New("audio: invalid WAV container")

// WAVInfo describes the format of a parsed RIFF/WAVE container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int

	// DataLength is the length of the PCM payload in bytes.
	DataLength int
}

// Duration returns the playback length of the PCM payload.
func (i WAVInfo) Duration() time.Duration {
	blockAlign := i.Channels * i.BitsPerSample / 8
	if blockAlign <= 0 || i.SampleRate <= 0 {
		return 0
	}
	return time.Duration(i.DataLength/blockAlign) * time.Second / time.Duration(i.SampleRate)
}

// WAVHeader synthesises a canonical 44-byte PCM header declaring dataLen bytes
// of payload in the given format.
func WAVHeader(sampleRate, channels, bitsPerSample, dataLen int) []byte {
	h := make([]byte, WAVHeaderSize)
	blockAlign := channels * bitsPerSample / 8

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(bitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// EncodeWAV wraps raw PCM in a freshly synthesised header sized to len(pcm).
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(sampleRate, channels, bitsPerSample, len(pcm))...)
	return append(out, pcm...)
}

// ParseWAV validates a RIFF/WAVE container and returns its format along with
// the PCM payload. Chunks are walked rather than assuming a fixed 44-byte
// layout, so containers with extra chunks (LIST, fact) before "data" decode
// too. Only uncompressed PCM is accepted. The payload must be non-empty and a
// whole number of sample frames; the declared data length must fit in wav.
func ParseWAV(wav []byte) (WAVInfo, []byte, error) {
	if len(wav) < 12 {
		return WAVInfo{}, nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidWAV, len(wav))
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, nil, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, nil, fmt.Errorf("%w: missing WAVE identifier", ErrInvalidWAV)
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return WAVInfo{}, nil, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			f := wav[offset+8:]
			if tag := binary.LittleEndian.Uint16(f[0:2]); tag != wavFormatPCM {
				return WAVInfo{}, nil, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
			}
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			foundFmt = true

		case "data":
			if !foundFmt {
				return WAVInfo{}, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			info.DataOffset = offset + 8
			info.DataLength = chunkSize
			if err := info.validate(len(wav)); err != nil {
				return WAVInfo{}, nil, err
			}
			return info, wav[info.DataOffset : info.DataOffset+info.DataLength], nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

func (i WAVInfo) validate(total int) error {
	if i.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidWAV, i.SampleRate)
	}
	if i.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrInvalidWAV, i.Channels)
	}
	if i.BitsPerSample != 16 {
		return fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, i.BitsPerSample)
	}
	if i.DataLength == 0 {
		return fmt.Errorf("%w: empty data chunk", ErrInvalidWAV)
	}
	if i.DataOffset+i.DataLength > total {
		return fmt.Errorf("%w: data chunk declares %d bytes, only %d present",
			ErrInvalidWAV, i.DataLength, total-i.DataOffset)
	}
	if blockAlign := i.Channels * i.BitsPerSample / 8; i.DataLength%blockAlign != 0 {
		return fmt.Errorf("%w: data length %d is not a multiple of block size %d",
			ErrInvalidWAV, i.DataLength, blockAlign)
	}
	return nil
}

// ParseWAVHeader reads the format fields of a canonical 44-byte header
// without inspecting the payload. It is used on the first fragment of a
// streamed container whose declared data length does not describe the bytes
// that follow.
func ParseWAVHeader(h []byte) (WAVInfo, error) {
	if len(h) < WAVHeaderSize {
		return WAVInfo{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrInvalidWAV, WAVHeaderSize, len(h))
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[12:16]) != "fmt " {
		return WAVInfo{}, fmt.Errorf("%w: not a canonical header", ErrInvalidWAV)
	}
	if tag := binary.LittleEndian.Uint16(h[20:22]); tag != wavFormatPCM {
		return WAVInfo{}, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
	}
	info := WAVInfo{
		Channels:      int(binary.LittleEndian.Uint16(h[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(h[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(h[34:36])),
		DataOffset:    WAVHeaderSize,
		DataLength:    int(binary.LittleEndian.Uint32(h[40:44])),
	}
	if info.SampleRate <= 0 || info.Channels <= 0 || info.BitsPerSample <= 0 {
		return WAVInfo{}, fmt.Errorf("%w: header declares %dHz/%dch/%dbit",
			ErrInvalidWAV, info.SampleRate, info.Channels, info.BitsPerSample)
	}
	return info, nil
}
