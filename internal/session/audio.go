package session

import "sort"

// AudioChunk is one buffered chunk of an in-progress listen turn.
type AudioChunk struct {
	ChunkIndex int
	Text       string
	AudioB64   string
}

// AudioBuffer accumulates chunks by chunk_index and reports the transcript
// once the concatenated sorted prefix grows, the "monotone-prefix
// invariant" stt_partial emission depends on.
type AudioBuffer struct {
	chunks map[int]AudioChunk
	maxSet int // highest contiguous prefix index present, -1 if none
}

// NewAudioBuffer returns an empty buffer for one listen turn.
func NewAudioBuffer() *AudioBuffer {
	return &AudioBuffer{chunks: make(map[int]AudioChunk), maxSet: -1}
}

// Add records a chunk and reports whether the contiguous prefix grew (i.e.
// an stt_partial should be emitted) plus the new prefix transcript when it did.
func (b *AudioBuffer) Add(c AudioChunk) (grew bool, prefixText string) {
	b.chunks[c.ChunkIndex] = c

	next := b.maxSet + 1
	for {
		if _, ok := b.chunks[next]; !ok {
			break
		}
		next++
	}
	newMax := next - 1
	if newMax <= b.maxSet {
		return false, ""
	}
	b.maxSet = newMax
	return true, b.PrefixText()
}

// PrefixText returns the transcript of the contiguous prefix accumulated so far.
func (b *AudioBuffer) PrefixText() string {
	return b.textUpTo(b.maxSet)
}

// FinalText concatenates every buffered chunk sorted by chunk_index,
// regardless of gaps, for stt_final: stt_final.text must equal
// concat(sorted_by_chunk_index(pending_audio_chunks).text).
func (b *AudioBuffer) FinalText() string {
	indices := make([]int, 0, len(b.chunks))
	for idx := range b.chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := ""
	for i, idx := range indices {
		if i > 0 {
			out += " "
		}
		out += b.chunks[idx].Text
	}
	return out
}

func (b *AudioBuffer) textUpTo(maxIdx int) string {
	out := ""
	for i := 0; i <= maxIdx; i++ {
		c, ok := b.chunks[i]
		if !ok {
			break
		}
		if i > 0 {
			out += " "
		}
		out += c.Text
	}
	return out
}
