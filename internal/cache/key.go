package cache

import "strings"

// Separator joins the segments of a cache key, e.g. "investment:42".
const Separator = ":"

// Key builds a key from its segments.
func Key(segments ...string) string {
	return strings.Join(segments, Separator)
}

// Group returns the first segment of key, which selects its policy.
func Group(key string) string {
	if i := strings.Index(key, Separator); i >= 0 {
		return key[:i]
	}
	return key
}

// Matches reports whether prefix selects key: either they are equal or key
// continues prefix with a separator. "portfolio" does not match "portfolios".
func Matches(prefix, key string) bool {
	if prefix == key {
		return true
	}
	return strings.HasPrefix(key, prefix) && strings.HasPrefix(key[len(prefix):], Separator)
}
