package macro

import (
	"regexp"
	"strings"
)

// directive matches ${name:value} and ${value}. The first closing brace ends
// the directive; directives do not nest.
var directive = regexp.MustCompile(`\$\{(?:([A-Za-z0-9-]+):)?([^}]*)\}`)

// minDirectiveLen is len("${}"). Every splice shrinks the text by at least
// this much, which bounds the extraction loop.
const minDirectiveLen = 3

// Tag is a single directive found in a text.
type Tag struct {
	Name    string
	HasName bool
	Value   string

	// Raw is the directive text as it appeared, braces included.
	Raw string
	// Offset is the byte position of Raw in the text as it stood when the
	// directive was removed.
	Offset int
}

// ExtractTags removes every directive from text and returns the cleaned text
// together with the tags in the order they were removed.
func ExtractTags(text string) (string, []Tag) {
	var tags []Tag

	for {
		loc := directive.FindStringSubmatchIndex(text)
		if loc == nil {
			return text, tags
		}

		tag := Tag{
			Raw:    text[loc[0]:loc[1]],
			Offset: loc[0],
			Value:  text[loc[4]:loc[5]],
		}
		if loc[2] >= 0 {
			tag.Name = text[loc[2]:loc[3]]
			tag.HasName = true
		}
		tags = append(tags, tag)

		text = Substitute(text, loc[0], loc[1], "")
	}
}

// Restore reinserts the directives removed by ExtractTags and returns the
// original text.
func Restore(cleaned string, tags []Tag) string {
	text := cleaned
	for i := len(tags) - 1; i >= 0; i-- {
		tag := tags[i]
		text = text[:tag.Offset] + tag.Raw + text[tag.Offset:]
	}
	return text
}

// Substitute replaces text[start:end] with repl.
func Substitute(text string, start, end int, repl string) string {
	var b strings.Builder
	b.Grow(len(text) - (end - start) + len(repl))
	b.WriteString(text[:start])
	b.WriteString(repl)
	b.WriteString(text[end:])
	return b.String()
}
