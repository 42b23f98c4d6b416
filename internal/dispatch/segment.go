package dispatch

import (
	"strings"
	"unicode"
)

// SegmentReply splits a backend reply into the short segments the send
// queue delivers one by one. The model is prompted to answer in short
// lines; each non-empty line becomes a segment, with any leading
// speaker label ("bot: ...") stripped.
func SegmentReply(reply string) []string {
	var segments []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		segments = append(segments, stripSpeakerPrefix(line))
	}
	return segments
}

// stripSpeakerPrefix removes a leading "name:" label if the prefix is
// a single short word, leaving text like URLs or timestamps alone.
func stripSpeakerPrefix(line string) string {
	i := strings.Index(line, ":")
	if i <= 0 || i > 12 {
		return line
	}
	for _, r := range line[:i] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return line
		}
	}
	rest := strings.TrimSpace(line[i+1:])
	if rest == "" {
		return line
	}
	// "http://..." style prefixes keep their colon.
	if strings.HasPrefix(rest, "//") {
		return line
	}
	return rest
}
