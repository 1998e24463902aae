package protocol

// AudioChunk is the typed view of an audio_chunk event payload.
type AudioChunk struct {
	Text       string
	AudioB64   string
	ChunkIndex int
	Encoding   string
}

// AudioChunkFrom extracts an AudioChunk from a raw payload. ChunkIndex
// missing is treated as 0, matching devices that send a single unindexed
// chunk per listen turn.
func AudioChunkFrom(p Payload) AudioChunk {
	idx, _ := p.IntField("chunk_index")
	return AudioChunk{
		Text:       p.StringField("text"),
		AudioB64:   p.StringField("audio_b64"),
		ChunkIndex: idx,
		Encoding:   p.StringField("encoding"),
	}
}

// ImageReady is the typed view of an image_ready event payload.
type ImageReady struct {
	ImageBase64 string
	MIME        string
	Question    string
}

func ImageReadyFrom(p Payload) ImageReady {
	return ImageReady{
		ImageBase64: p.StringField("image_base64"),
		MIME:        p.StringField("mime"),
		Question:    p.StringField("question"),
	}
}

// TTSMode distinguishes the two mutually exclusive tts_chunk payload shapes.
type TTSMode string

const (
	TTSModeDeviceText  TTSMode = "device_text"
	TTSModeServerAudio TTSMode = "server_audio"
)

// TTSChunkPayload builds a tts_chunk payload for one of the two supported
// modes; exactly one of text/audio is ever populated.
func TTSChunkPayload(mode TTSMode, text, audioB64, encoding string, sampleRateHz int) Payload {
	switch mode {
	case TTSModeServerAudio:
		return Payload{
			"audio_b64":      audioB64,
			"encoding":       encoding,
			"sample_rate_hz": sampleRateHz,
		}
	default:
		return Payload{"text": text}
	}
}
