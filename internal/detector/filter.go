package detector

import (
	"bytes"
	"fmt"
	"regexp"
)

// SignificanceFilter reduces a document to the parts whose changes matter.
// Two contents with equal Normalize output are considered the same revision.
type SignificanceFilter interface {
	Name() string
	Normalize(content []byte) []byte
}

// FilterFunc adapts a function into a SignificanceFilter.
type FilterFunc struct {
	Label string
	Fn    func([]byte) []byte
}

func (f FilterFunc) Name() string                    { return f.Label }
func (f FilterFunc) Normalize(content []byte) []byte { return f.Fn(content) }

// Policy names accepted by FilterByName.
const (
	PolicyStrict     = "strict"
	PolicyWhitespace = "whitespace"
	PolicyComments   = "comments"
)

var (
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	lineCommentRe = regexp.MustCompile(`(?m)(^|\s)//.*$`)
)

func FilterByName(name string) (SignificanceFilter, error) {
	switch name {
	case PolicyStrict, "":
		return FilterFunc{Label: PolicyStrict, Fn: func(b []byte) []byte { return b }}, nil
	case PolicyWhitespace:
		return FilterFunc{Label: PolicyWhitespace, Fn: collapseWhitespace}, nil
	case PolicyComments:
		return FilterFunc{Label: PolicyComments, Fn: func(b []byte) []byte {
			return collapseWhitespace(stripComments(b))
		}}, nil
	default:
		return nil, fmt.Errorf("unknown significance policy %q", name)
	}
}

// collapseWhitespace joins all non-space runs with a single space.
func collapseWhitespace(b []byte) []byte {
	return bytes.Join(bytes.Fields(b), []byte{' '})
}

// stripComments drops <!-- --> blocks and // comments that start a line or
// follow whitespace, leaving URLs such as http://x intact.
func stripComments(b []byte) []byte {
	b = htmlCommentRe.ReplaceAll(b, nil)
	return lineCommentRe.ReplaceAll(b, []byte("$1"))
}
