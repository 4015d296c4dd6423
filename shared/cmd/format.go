// Package cmd holds helpers for the command line tools.
package cmd

import (
	"strings"
)

// FormatSection renders an indented help section under header.
// An empty header renders the indented content alone.
func FormatSection(header string, content string) string {
	var b strings.Builder

	if header != "" {
		b.WriteString(header + ":\n")
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if line != "" {
			b.WriteString("  " + line)
		}

		if header != "" || i < len(lines)-1 {
			b.WriteString("\n")
		}
	}

	if header != "" {
		b.WriteString("\n")
	}

	return b.String()
}
