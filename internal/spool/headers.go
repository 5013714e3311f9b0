// Package spool retrieves and decodes Trino spooled result segments.
package spool

import "strings"

// SingleValueHeaders flattens Trino's multi-value segment headers. Headers
// with a blank name or without exactly one value are dropped.
func SingleValueHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if strings.TrimSpace(name) == "" || len(values) != 1 {
			continue
		}
		out[name] = values[0]
	}
	return out
}
