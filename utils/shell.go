package utils

import "strings"

// Quote wraps s in single quotes for sh -c command lines.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
