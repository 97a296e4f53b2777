package genmqtt

import "strings"

const (
	topicSeparator      = "/"
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	sharedPrefix        = "$share/"
)

// SplitTopic decomposes a topic name or filter into its levels. Empty levels
// are preserved, since MQTT distinguishes "a//b" from "a/b".
func SplitTopic(topic string) []string {
	return strings.Split(topic, topicSeparator)
}

// MatchTopic checks if a topic name matches a topic filter. The filter may
// contain the single-level wildcard "+" (matches exactly one level) and a
// trailing multi-level wildcard "#" (matches any number of remaining levels,
// including zero). Comparison is case-sensitive with no normalization.
func MatchTopic(filter, name string) bool {
	// Handle shared subscriptions.
	if f, ok := strings.CutPrefix(filter, sharedPrefix); ok {
		// Find the index of the second slash.
		idx := strings.Index(f, topicSeparator)
		if idx == -1 {
			// Invalid shared subscription format.
			return false
		}
		filter = f[idx+1:]
	}

	return matchLevels(SplitTopic(filter), SplitTopic(name))
}

// ValidateTopicName checks a topic name for publishing. Wildcard characters
// are only meaningful in filters and are rejected here.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return &InvalidArgumentError{message: "topic must not be empty"}
	}
	if strings.ContainsAny(topic, singleLevelWildcard+multiLevelWildcard) {
		return &InvalidArgumentError{
			message: "topic must not contain wildcard characters: " + topic,
		}
	}
	return nil
}

// ValidateFilter checks a topic filter for subscribing. Wildcards must
// occupy an entire level, and the multi-level wildcard must be the final
// level.
func ValidateFilter(filter string) error {
	full := filter
	if f, ok := strings.CutPrefix(filter, sharedPrefix); ok {
		idx := strings.Index(f, topicSeparator)
		if idx <= 0 {
			return &InvalidArgumentError{
				message: "malformed shared subscription: " + full,
			}
		}
		filter = f[idx+1:]
	}
	if filter == "" {
		return &InvalidArgumentError{message: "filter must not be empty"}
	}

	levels := SplitTopic(filter)
	for i, level := range levels {
		switch {
		case level == multiLevelWildcard:
			if i != len(levels)-1 {
				return &InvalidArgumentError{
					message: "multi-level wildcard must be the final level: " + full,
				}
			}
		case level == singleLevelWildcard:
		case strings.ContainsAny(level, singleLevelWildcard+multiLevelWildcard):
			return &InvalidArgumentError{
				message: "wildcard must occupy an entire level: " + full,
			}
		}
	}
	return nil
}

func matchLevels(filter, name []string) bool {
	for i, level := range filter {
		switch level {
		case multiLevelWildcard:
			// Multi-level wildcard must be the final level.
			return i == len(filter)-1
		case singleLevelWildcard:
			// Single-level wildcard requires a level to be present.
			if i >= len(name) {
				return false
			}
		default:
			if i >= len(name) || level != name[i] {
				return false
			}
		}
	}

	// Exact match is required if there are no wildcards left.
	return len(filter) == len(name)
}
