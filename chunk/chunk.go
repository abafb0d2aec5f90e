// Package chunk partitions message bodies into windows that fit the input
// limit of the text-generation service.
package chunk

import "unicode/utf8"

// DefaultSize is the window length, in characters, used when no size is configured.
const DefaultSize = 2037

// Split partitions body into consecutive, non-overlapping windows of size
// characters. The last window holds the remainder. An empty body yields no
// chunks. Joining the result in order reproduces body exactly.
func Split(body string, size int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	if body == "" {
		return nil
	}

	chunks := make([]string, 0, Count(body, size))
	start, runes := 0, 0
	for i := range body {
		if runes == size {
			chunks = append(chunks, body[start:i])
			start, runes = i, 0
		}
		runes++
	}
	return append(chunks, body[start:])
}

// Count returns the number of chunks Split produces for body.
func Count(body string, size int) int {
	if size <= 0 {
		size = DefaultSize
	}
	n := utf8.RuneCountInString(body)
	return (n + size - 1) / size
}
