package dkim

import (
	"fmt"
	"strings"
)

// Tag is a single entry of a DKIM-style tag list.
type Tag struct {
	// Name is the tag name, lowercased for lookup.
	Name string

	// RawName is the tag name with original casing.
	RawName string

	// Value is the tag value with surrounding folding whitespace trimmed.
	Value string

	// Raw is the original bytes of the tag including whitespace, excluding
	// the terminating semicolon.
	Raw string

	// HadSemicolon indicates the tag was terminated by a semicolon rather
	// than end-of-input.
	HadSemicolon bool
}

// TagList is an ordered DKIM tag list (RFC 6376 Section 3.2). Order and raw
// bytes are retained because signing inputs must reproduce received bytes.
type TagList struct {
	Tags []Tag

	index map[string]int
}

// Get returns the value of the named tag and whether it was present.
// Names are matched case-insensitively.
func (tl *TagList) Get(name string) (string, bool) {
	i, ok := tl.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return tl.Tags[i].Value, ok
}

// Has reports whether the named tag is present.
func (tl *TagList) Has(name string) bool {
	_, ok := tl.index[strings.ToLower(name)]
	return ok
}

// ParseTagList parses a DKIM-style "k=v; ..." tag list. Keys match
// [A-Za-z][A-Za-z0-9_]*. Values run to the next semicolon or end of input,
// with folding whitespace trimmed. Empty tags between semicolons are
// permitted and preserved as entries with empty names. Duplicate tag names
// are rejected.
func ParseTagList(s string) (*TagList, error) {
	tl := &TagList{index: make(map[string]int)}

	offset := 0
	for offset <= len(s) {
		end := strings.IndexByte(s[offset:], ';')
		hadSemicolon := end >= 0
		if end < 0 {
			end = len(s)
		} else {
			end += offset
		}

		raw := s[offset:end]
		part := strings.Trim(raw, " \t\r\n")

		if part == "" {
			// Empty tags are allowed; keep them so emission round-trips.
			if hadSemicolon || raw != "" {
				tl.Tags = append(tl.Tags, Tag{Raw: raw, HadSemicolon: hadSemicolon})
			}
			if !hadSemicolon {
				break
			}
			offset = end + 1
			continue
		}

		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: tag without value: %q", ErrHeaderMalformed, part)
		}

		rawName := strings.Trim(part[:eq], " \t\r\n")
		if !validTagName(rawName) {
			return nil, fmt.Errorf("%w: invalid tag name %q", ErrHeaderMalformed, rawName)
		}
		name := strings.ToLower(rawName)

		if _, dup := tl.index[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, name)
		}

		value := strings.Trim(part[eq+1:], " \t\r\n")

		tl.index[name] = len(tl.Tags)
		tl.Tags = append(tl.Tags, Tag{
			Name:         name,
			RawName:      rawName,
			Value:        value,
			Raw:          raw,
			HadSemicolon: hadSemicolon,
		})

		if !hadSemicolon {
			break
		}
		offset = end + 1
	}

	return tl, nil
}

// validTagName reports whether s matches [A-Za-z][A-Za-z0-9_]*.
func validTagName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		alpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
		if i == 0 && !alpha {
			return false
		}
		if !alpha && !(c >= '0' && c <= '9') && c != '_' {
			return false
		}
	}
	return true
}

// stripWhitespace removes all whitespace from a string, as required when
// decoding base64 tag values that may contain folding whitespace.
func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
