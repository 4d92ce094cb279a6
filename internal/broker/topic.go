//file: internal/broker/topic.go

package broker

import "strings"

// MatchTopic reports whether a concrete topic name matches filter. Topics
// starting with $ are never matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, segment := range fs {
		switch {
		case segment == "#":
			// also matches the parent level: "a/#" matches "a"
			return true
		case i >= len(ts):
			return false
		case segment == "+":
		case segment != ts[i]:
			return false
		}
	}
	return len(fs) == len(ts)
}
