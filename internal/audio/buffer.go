package audio

import "strings"

const FormatPCM16LE = "pcm_s16le"

// Buffer holds captured audio before it is persisted as a session artifact.
type Buffer struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
}

// Encode returns the bytes to persist. Raw PCM16LE is wrapped in a WAV
// container; any other format is assumed to be self-describing and is
// returned as a copy.
func (b *Buffer) Encode() ([]byte, error) {
	if strings.EqualFold(b.Format, FormatPCM16LE) {
		return EncodeWAV(b.Data, b.SampleRate, b.Channels)
	}
	return append([]byte(nil), b.Data...), nil
}

// Wipe destroys the buffered samples with wipe and drops the reference.
func (b *Buffer) Wipe(wipe func([]byte)) {
	if wipe != nil {
		wipe(b.Data)
	} else {
		clear(b.Data)
	}
	b.Data = nil
}
