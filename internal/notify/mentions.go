// Package notify implements the mention fan-out the governance engine
// consults when a comment lands: parse @group tokens out of sanitized text
// and hand back the distinct, known-group subset worth a Notification row.
package notify

import "regexp"

var mentionPattern = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_-]*)`)

// ParseMentions extracts @<group> tokens from text, matched case-sensitively
// against the known group set, drops duplicates (keeping first-seen order),
// and filters out anything isKnownGroup rejects. Unknown mentions are
// silently ignored rather than rejected — a typo in a comment must never
// fail the comment itself.
func ParseMentions(text string, isKnownGroup func(group string) bool) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		group := m[1]
		if _, dup := seen[group]; dup {
			continue
		}
		seen[group] = struct{}{}
		if isKnownGroup != nil && !isKnownGroup(group) {
			continue
		}
		out = append(out, group)
	}
	return out
}
