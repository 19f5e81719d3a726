package constants

import "strings"

// AudioExtensions holds the extensions the downloader may produce, in lookup order.
var AudioExtensions = []string{"mp3", "m4a", "aac", "opus", "webm", "wav", "flac"}

// DefaultAudioExt is used when a downloaded artifact has no extension.
const DefaultAudioExt = "mp3"

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAudioExt reports whether ext is one of AudioExtensions.
func IsAudioExt(ext string) bool {
	ext = NormalizeExt(ext)
	for _, e := range AudioExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
