package markdown

import (
	"regexp"
	"strings"
)

var headingRe = regexp.MustCompile(`^#{1,2}\s+(.+)$`)

// Chapter is a heading-delimited section of a book body.
// Title is nil for text that precedes the first heading.
type Chapter struct {
	Title *string
	Text  string
}

// ExtractChapters splits text into chapters on level 1 and 2 headings.
// Text with no headings and no content yields a single untitled chapter
// holding the whole input.
func ExtractChapters(text string) []Chapter {
	var (
		chapters []Chapter
		title    *string
		buf      strings.Builder
	)

	flush := func() {
		body := strings.TrimSpace(buf.String())
		if body != "" || title != nil {
			chapters = append(chapters, Chapter{Title: title, Text: body})
		}
		buf.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			t := strings.TrimSpace(m[1])
			title = &t
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()

	if len(chapters) == 0 {
		return []Chapter{{Text: text}}
	}
	return chapters
}
