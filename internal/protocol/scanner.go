package protocol

import "strings"

const (
	commentOpen  = "<!--"
	commentClose = "-->"
)

// Tag keywords. The keyword follows the comment opener after optional
// horizontal whitespace.
const (
	keywordMessage     = "MESSAGE:"
	keywordProjectName = "PROJECT_NAME:"
	keywordProjectIcon = "PROJECT_ICON:"
	keywordScreenStart = "SCREEN_START:"
	keywordScreenEdit  = "SCREEN_EDIT:"
	keywordScreenEnd   = "SCREEN_END"
)

var knownKeywords = []string{
	keywordMessage,
	keywordProjectName,
	keywordProjectIcon,
	keywordScreenStart,
	keywordScreenEdit,
	keywordScreenEnd,
}

// Match is one recognized tag. Start and End are byte offsets of the whole
// tag in the scanned buffer; End is exclusive.
type Match struct {
	Start   int
	End     int
	Payload string
}

// ExtractMessages removes every complete MESSAGE tag from buf and returns
// the payloads in source order.
func ExtractMessages(buf string) ([]string, string) {
	return extractAllStrict(buf, keywordMessage)
}

// ExtractProjectName removes the first complete PROJECT_NAME tag.
func ExtractProjectName(buf string) (string, string, bool) {
	return extractFirstStrict(buf, keywordProjectName)
}

// ExtractProjectIcon removes the first complete PROJECT_ICON tag.
func ExtractProjectIcon(buf string) (string, string, bool) {
	return extractFirstStrict(buf, keywordProjectIcon)
}

// FindScreenStart locates the first SCREEN_START tag using relaxed matching.
func FindScreenStart(buf string) (Match, bool) {
	return findRelaxed(buf, keywordScreenStart, 0)
}

// FindScreenEdit locates the first SCREEN_EDIT tag using relaxed matching.
func FindScreenEdit(buf string) (Match, bool) {
	return findRelaxed(buf, keywordScreenEdit, 0)
}

// FindScreenEnd locates the first complete SCREEN_END tag.
func FindScreenEnd(buf string) (Match, bool) {
	from := 0
	for {
		open, after, ok := findOpener(buf, keywordScreenEnd, from)
		if !ok {
			return Match{}, false
		}
		rest := skipSpace(buf, after)
		if strings.HasPrefix(buf[rest:], commentClose) {
			return Match{Start: open, End: rest + len(commentClose)}, true
		}
		from = open + len(commentOpen)
	}
}

func extractFirstStrict(buf, keyword string) (string, string, bool) {
	m, ok := findStrict(buf, keyword, 0)
	if !ok {
		return "", buf, false
	}
	return m.Payload, buf[:m.Start] + buf[m.End:], true
}

func extractAllStrict(buf, keyword string) ([]string, string) {
	var payloads []string
	var out strings.Builder
	pos := 0
	for {
		m, ok := findStrict(buf, keyword, pos)
		if !ok {
			break
		}
		out.WriteString(buf[pos:m.Start])
		payloads = append(payloads, m.Payload)
		pos = m.End
	}
	if len(payloads) == 0 {
		return nil, buf
	}
	out.WriteString(buf[pos:])
	return payloads, out.String()
}

// findStrict requires the closing marker on the same line as the keyword.
func findStrict(buf, keyword string, from int) (Match, bool) {
	for {
		open, after, ok := findOpener(buf, keyword, from)
		if !ok {
			return Match{}, false
		}
		closeAt := strings.Index(buf[after:], commentClose)
		if closeAt < 0 {
			return Match{}, false
		}
		payload := buf[after : after+closeAt]
		if strings.Contains(payload, "\n") {
			from = open + len(commentOpen)
			continue
		}
		return Match{
			Start:   open,
			End:     after + closeAt + len(commentClose),
			Payload: strings.TrimSpace(payload),
		}, true
	}
}

// findRelaxed accepts the closing marker, a newline or the next '<' as the end
// of the payload. A newline or '<' boundary is not consumed.
func findRelaxed(buf, keyword string, from int) (Match, bool) {
	for {
		open, after, ok := findOpener(buf, keyword, from)
		if !ok {
			return Match{}, false
		}
		start := skipHorizontalSpace(buf, after)
		boundary := strings.IndexAny(buf[start:], "\n<")
		closeAt := strings.Index(buf[start:], commentClose)
		end := 0
		switch {
		case closeAt >= 0 && (boundary < 0 || closeAt < boundary):
			boundary = closeAt
			end = start + closeAt + len(commentClose)
		case boundary >= 0:
			end = start + boundary
		default:
			return Match{}, false
		}
		payload := strings.TrimSpace(buf[start : start+boundary])
		if trimCloseMarker(payload) == "" {
			from = open + len(commentOpen)
			continue
		}
		return Match{Start: open, End: end, Payload: payload}, true
	}
}

// findOpener returns the offset of the first comment opener at or after from
// that is followed by keyword, and the offset just past the keyword.
func findOpener(buf, keyword string, from int) (int, int, bool) {
	for from <= len(buf) {
		idx := strings.Index(buf[from:], commentOpen)
		if idx < 0 {
			return 0, 0, false
		}
		open := from + idx
		kw := skipHorizontalSpace(buf, open+len(commentOpen))
		if strings.HasPrefix(buf[kw:], keyword) {
			return open, kw + len(keyword), true
		}
		from = open + len(commentOpen)
	}
	return 0, 0, false
}

// PendingTagStart returns the offset from which buf may still turn into a tag
// once more text arrives. Everything before it can be consumed safely.
func PendingTagStart(buf string) int {
	from := 0
	if lastClose := strings.LastIndex(buf, commentClose); lastClose >= 0 {
		from = lastClose + len(commentClose)
	}
	if idx := strings.Index(buf[from:], commentOpen); idx >= 0 {
		return from + idx
	}
	for n := len(commentOpen) - 1; n > 0; n-- {
		if n <= len(buf) && strings.HasSuffix(buf, commentOpen[:n]) {
			return len(buf) - n
		}
	}
	return len(buf)
}

// isPartialTag reports whether s is the beginning of one of the known tags,
// cut off before it could be matched.
func isPartialTag(s string) bool {
	if s == "" {
		return false
	}
	if len(s) < len(commentOpen) {
		return strings.HasPrefix(commentOpen, s)
	}
	if !strings.HasPrefix(s, commentOpen) {
		return false
	}
	rest := strings.TrimLeft(s[len(commentOpen):], " \t")
	if rest == "" {
		return true
	}
	for _, keyword := range knownKeywords {
		if strings.HasPrefix(rest, keyword) || strings.HasPrefix(keyword, rest) {
			return true
		}
	}
	return false
}

func trimCloseMarker(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, commentClose) {
		s = strings.TrimSpace(strings.TrimSuffix(s, commentClose))
	}
	return s
}

func skipSpace(buf string, pos int) int {
	for pos < len(buf) {
		switch buf[pos] {
		case ' ', '\t', '\r', '\n':
			pos++
		default:
			return pos
		}
	}
	return pos
}

func skipHorizontalSpace(buf string, pos int) int {
	for pos < len(buf) && (buf[pos] == ' ' || buf[pos] == '\t') {
		pos++
	}
	return pos
}
