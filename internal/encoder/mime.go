package encoder

// Container types are negotiated against whatever the local ffmpeg build
// supports, most specific first.
const (
	MimeWebmVP9Opus = "video/webm;codecs=vp9,opus"
	MimeWebmVP8Opus = "video/webm;codecs=vp8,opus"
	MimeWebmVP9     = "video/webm;codecs=vp9"
	MimeWebmVP8     = "video/webm;codecs=vp8"
	MimeWebm        = "video/webm"

	// MimeFLV is what the RTMP ingest path produces; it is never negotiated.
	MimeFLV = "video/x-flv"
)

var mimePreference = []string{
	MimeWebmVP9Opus,
	MimeWebmVP8Opus,
	MimeWebmVP9,
	MimeWebmVP8,
	MimeWebm,
}

// SelectMimeType walks the preference list and returns the first type the
// probe accepts, falling back to plain webm when nothing matches.
func SelectMimeType(supported func(mimeType string) bool) string {
	for _, m := range mimePreference {
		if supported(m) {
			return m
		}
	}
	return MimeWebm
}
