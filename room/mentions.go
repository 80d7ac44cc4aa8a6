package room

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// The wire mention syntax is <@id|display name>, with fixed sentinel ids
// for the whole-room forms:
//
//	<@all|All Members>
//	<@present|Present Members>
//	<@75f50e24-d59d-40e4-996b-6ba3ff3f371f|Surname, Name>
var mentionPattern = regexp.MustCompile(`<@([\w\-]+)\|(.*?)>`)

// decodeMentions rewrites wire mentions into their display names.
func decodeMentions(text string) string {
	return mentionPattern.ReplaceAllString(text, "$2")
}

// mentionsMe reports whether the raw wire text mentions the local profile,
// directly or through a whole-room sentinel.
func mentionsMe(raw, profileID string) bool {
	return strings.Contains(raw, profileID) ||
		strings.Contains(raw, "<@all|") ||
		strings.Contains(raw, "<@present|")
}

// encodeMentions expands member names in an outbound message into the wire
// mention syntax. "@all" and "@present" expand to the sentinel forms;
// "@Name" and bare "Name" both expand for any member of the room. Members
// are visited in id order so expansion is deterministic.
func encodeMentions(members map[string]*Member, text string) string {
	expanded := strings.ReplaceAll(text, "@all", "<@all|All Members>")
	expanded = strings.ReplaceAll(expanded, "@present", "<@present|Present Members>")

	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		name := members[id].DisplayName
		if name == "" {
			continue
		}
		mention := fmt.Sprintf("<@%s|%s>", id, name)
		// One scan per member so the inserted mention is not itself
		// rescanned for this member's name.
		re := regexp.MustCompile(`@?` + regexp.QuoteMeta(name))
		expanded = re.ReplaceAllLiteralString(expanded, mention)
	}
	return expanded
}
