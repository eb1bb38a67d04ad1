package requirement

import (
	"regexp"
	"strings"
)

type sectionKind int

const (
	sectionNone sectionKind = iota
	sectionStories
	sectionCriteria
	sectionConstraints
	sectionMetrics
	sectionOther
)

func (k sectionKind) String() string {
	switch k {
	case sectionStories:
		return "User Stories"
	case sectionCriteria:
		return "Acceptance Criteria"
	case sectionConstraints:
		return "Constraints"
	case sectionMetrics:
		return "Success Metrics"
	default:
		return ""
	}
}

// sectionAliases maps normalised header text onto a section.
var sectionAliases = map[string]sectionKind{
	"user story":                  sectionStories,
	"user stories":                sectionStories,
	"stories":                     sectionStories,
	"story":                       sectionStories,
	"acceptance criteria":         sectionCriteria,
	"acceptance criterion":        sectionCriteria,
	"acceptance criterias":        sectionCriteria,
	"acceptance test":             sectionCriteria,
	"acceptance tests":            sectionCriteria,
	"criteria":                    sectionCriteria,
	"constraint":                  sectionConstraints,
	"constraints":                 sectionConstraints,
	"technical constraints":       sectionConstraints,
	"non functional requirements": sectionConstraints,
	"nonfunctional requirements":  sectionConstraints,
	"limitations":                 sectionConstraints,
	"success metric":              sectionMetrics,
	"success metrics":             sectionMetrics,
	"metrics":                     sectionMetrics,
	"kpi":                         sectionMetrics,
	"kpis":                        sectionMetrics,
	"success criteria":            sectionMetrics,
}

var (
	mdHeaderRe     = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.*?)\s*#*\s*$`)
	underlineRe    = regexp.MustCompile(`^\s{0,3}(=+|-+)\s*$`)
	colonHeaderRe  = regexp.MustCompile(`^\s*[*_]*([A-Za-z][A-Za-z \-/]{1,40}?)[*_]*\s*:[*_]*\s*(.*)$`)
	numberingRe    = regexp.MustCompile(`^\(?\d+(\.\d+)*[.)]?\s+`)
	nonAlnumRe     = regexp.MustCompile(`[^a-z0-9]+`)
	emphasisOnlyRe = regexp.MustCompile(`^\s*(\*\*|__)(.+?)(\*\*|__)\s*:?\s*$`)
	bulletRe       = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)
	checkboxRe     = regexp.MustCompile(`^\s*\[[ xX]\]\s*`)
	htmlCommentRe  = regexp.MustCompile(`<!--.*?-->`)
)

func normaliseHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = numberingRe.ReplaceAllString(s, "")
	s = nonAlnumRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func lookupSection(header string) sectionKind {
	if k, ok := sectionAliases[normaliseHeader(header)]; ok {
		return k
	}
	return sectionNone
}

// section is a located block of content lines.
type section struct {
	kind  sectionKind
	lines []string
}

type document struct {
	title    string
	sections map[sectionKind]*section
	// body holds every non-blank line, used for marker lookups.
	body []string
}

func (d *document) content(kind sectionKind) []string {
	if s, ok := d.sections[kind]; ok {
		return s.lines
	}
	return nil
}

func (d *document) has(kind sectionKind) bool {
	s, ok := d.sections[kind]
	return ok && len(s.lines) > 0
}

// inlineDepth is the depth of sections opened by bold or "Header:" lines,
// below every markdown heading level.
const inlineDepth = 7

// splitDocument locates sections by markdown headings, underlined headings,
// bold-only lines, and "Header:" lines. An unrecognised heading deeper than
// the heading of the current section is a sub-heading and keeps the section.
// Any other unrecognised heading ends it, and the content below belongs to
// no section.
func splitDocument(text string) *document {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = htmlCommentRe.ReplaceAllString(text, "")
	lines := strings.Split(text, "\n")

	doc := &document{sections: make(map[sectionKind]*section)}
	current := sectionNone
	// level is the heading depth that opened current.
	level := 0

	enter := func(kind sectionKind, depth int) {
		current = kind
		level = depth
		if _, ok := doc.sections[kind]; !ok && kind != sectionOther {
			doc.sections[kind] = &section{kind: kind}
		}
	}
	add := func(line string) {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			return
		}
		if isMarkerLine(line) {
			return
		}
		if s, ok := doc.sections[current]; ok && current != sectionOther {
			s.lines = append(s.lines, line)
		}
	}
	// other handles an unrecognised heading of the given depth.
	other := func(depth int) {
		if current != sectionNone && current != sectionOther && depth > level {
			return
		}
		enter(sectionOther, depth)
	}
	// open enters kind unless it repeats the current section as a sub-heading.
	open := func(kind sectionKind, depth int) {
		if kind == current && depth > level {
			return
		}
		enter(kind, depth)
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) != "" {
			doc.body = append(doc.body, line)
		}

		if m := mdHeaderRe.FindStringSubmatch(line); m != nil {
			kind := lookupSection(m[2])
			if kind == sectionNone {
				if doc.title == "" && len(m[1]) == 1 {
					doc.title = strings.TrimSpace(m[2])
				}
				other(len(m[1]))
				continue
			}
			open(kind, len(m[1]))
			continue
		}

		if i+1 < len(lines) && strings.TrimSpace(line) != "" && !bulletRe.MatchString(line) && underlineRe.MatchString(lines[i+1]) {
			depth := 2
			if strings.HasPrefix(strings.TrimSpace(lines[i+1]), "=") {
				depth = 1
			}
			i++
			kind := lookupSection(line)
			if kind == sectionNone {
				if doc.title == "" && depth == 1 {
					doc.title = strings.TrimSpace(line)
				}
				other(depth)
				continue
			}
			open(kind, depth)
			continue
		}

		if m := emphasisOnlyRe.FindStringSubmatch(line); m != nil {
			if kind := lookupSection(m[2]); kind != sectionNone {
				enter(kind, inlineDepth)
				continue
			}
		}

		if m := colonHeaderRe.FindStringSubmatch(line); m != nil && !bulletRe.MatchString(line) {
			if kind := lookupSection(m[1]); kind != sectionNone {
				enter(kind, inlineDepth)
				if rest := strings.TrimSpace(m[2]); rest != "" {
					add(rest)
				}
				continue
			}
		}

		add(line)
	}
	return doc
}

// cleanItem strips list and checkbox markers from a content line.
func cleanItem(line string) string {
	line = bulletRe.ReplaceAllString(line, "")
	line = checkboxRe.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

func isBullet(line string) bool {
	return bulletRe.MatchString(line) || checkboxRe.MatchString(line)
}
