// Package markup converts Matrix message markup into Gitter-flavored
// markdown before a message is posted to a Gitter room.
//
// Matrix clients send rich text as an HTML formatted_body next to the plain
// body.  Gitter speaks markdown, so when a formatted body is present it is
// run through an HTML-to-markdown conversion; otherwise the plain body is
// forwarded unchanged (Matrix plain bodies are already close enough to
// markdown for Gitter's renderer).
package markup

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// Converter translates Matrix message content into Gitter markdown.
// It is safe for concurrent use.
type Converter struct {
	conv *md.Converter
}

// NewConverter creates a Converter with default conversion rules.
func NewConverter() *Converter {
	return &Converter{conv: md.NewConverter("", true, nil)}
}

// ToGitter returns the markdown to post to Gitter for a Matrix message with
// the given plain body and optional HTML formatted body.
func (c *Converter) ToGitter(body, formattedBody string) string {
	if strings.TrimSpace(formattedBody) == "" {
		return body
	}
	out, err := c.conv.ConvertString(formattedBody)
	if err != nil {
		// The library handles malformed HTML gracefully; an error here means
		// the input could not be tokenized at all.  Fall back to the plain body.
		return body
	}
	return out
}
