// Package routing implements exchange routing rules shared by the
// transports that route messages themselves (memory and redis).
package routing

import "strings"

// Kind mirrors the exchange kinds understood by the router.
type Kind string

const (
	Direct Kind = "direct"
	Topic  Kind = "topic"
	Fanout Kind = "fanout"
)

// Match reports whether a message published with key reaches a queue bound
// with pattern on an exchange of the given kind.
func Match(kind Kind, pattern, key string) bool {
	switch kind {
	case Fanout:
		return true
	case Topic:
		return matchTopic(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

// matchTopic follows AMQP topic semantics: "*" matches exactly one word and
// "#" matches zero or more words.
func matchTopic(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchTopic(pattern[1:], words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || words[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		words = words[1:]
	}
	return len(words) == 0
}
