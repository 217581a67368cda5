package audio

// PCM byte arithmetic for little-endian 16-bit audio. At 16 kHz mono this
// works out to 32 bytes per millisecond.

const bytesPerSample = 2

// BytesPerMS returns the PCM byte rate per millisecond for the given format.
func BytesPerMS(sampleRate, channels int) int {
	return sampleRate * channels * bytesPerSample / 1000
}

// DurationMS returns the duration of a PCM payload in milliseconds.
func DurationMS(byteLen, sampleRate, channels int) int64 {
	rate := BytesPerMS(sampleRate, channels)
	if rate == 0 {
		return 0
	}
	return int64(byteLen) / int64(rate)
}

// Silence returns a zeroed PCM payload of the given duration.
func Silence(durationMS, sampleRate, channels int) []byte {
	return make([]byte, durationMS*BytesPerMS(sampleRate, channels))
}

// PadToMinDuration zero-pads pcm so it covers at least minMS of audio. The
// external engine rejects inputs shorter than one second, so short recordings
// are padded before being wrapped in a WAV container.
func PadToMinDuration(pcm []byte, minMS, sampleRate, channels int) []byte {
	minBytes := minMS * BytesPerMS(sampleRate, channels)
	if len(pcm) >= minBytes {
		return pcm
	}
	padded := make([]byte, minBytes)
	copy(padded, pcm)
	return padded
}
