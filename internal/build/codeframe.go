package build

import (
	"fmt"
	"strings"
)

const frameContext = 2

// CodeFrame renders the lines around a 1-based line and column with a caret
// under the column:
//
//	  1 | export default function () {
//	> 2 |   return x +;
//	    |             ^
//	  3 | }
func CodeFrame(source string, line, column int) string {
	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	if line < 1 || line > len(lines) {
		return ""
	}

	start := max(line-frameContext, 1)
	end := min(line+frameContext, len(lines))
	width := len(fmt.Sprint(end))

	var b strings.Builder
	for n := start; n <= end; n++ {
		marker := " "
		if n == line {
			marker = ">"
		}
		text := strings.TrimRight(lines[n-1], " \t")
		fmt.Fprintf(&b, "%s %*d | %s\n", marker, width, n, text)
		if n == line && column > 0 {
			fmt.Fprintf(&b, "  %*s | %s^\n", width, "", caretPadding(lines[n-1], column))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// caretPadding keeps tabs so the caret lines up with the source line.
func caretPadding(text string, column int) string {
	var b strings.Builder
	for i, r := range text {
		if i >= column-1 {
			break
		}
		if r == '\t' {
			b.WriteRune('\t')
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}
