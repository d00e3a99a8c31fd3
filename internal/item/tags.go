package item

import "strings"

// ParseTags splits a comma-joined tag snapshot into individual tag names.
// Whitespace around names is trimmed and empty segments are dropped, so both
// "" and "," parse to no tags. Duplicates are collapsed, first occurrence wins.
func ParseTags(joined string) []string {
	parts := strings.Split(joined, ",")
	seen := make(map[string]bool, len(parts))
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		tags = append(tags, name)
	}
	return tags
}

// TagsAsText joins tag names into the comma-joined snapshot form stored on
// change entries.
func TagsAsText(tags []string) string {
	return strings.Join(tags, ",")
}
