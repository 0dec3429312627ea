// Package dedupe provides a time-windowed set of keys used to report a
// recurring condition once per window instead of on every check.
package dedupe
