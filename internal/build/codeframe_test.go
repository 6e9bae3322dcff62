package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeFrame(t *testing.T) {
	src := "export default function () {\n  return x +;\n}\n"
	want := "  1 | export default function () {\n" +
		"> 2 |   return x +;\n" +
		"    |             ^\n" +
		"  3 | }\n" +
		"  4 | "
	assert.Equal(t, want, CodeFrame(src, 2, 13))
}

func TestCodeFrame_Context(t *testing.T) {
	src := "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12"
	frame := CodeFrame(src, 10, 1)
	assert.Contains(t, frame, "   8 | 8")
	assert.Contains(t, frame, "> 10 | 10")
	assert.Contains(t, frame, "  12 | 12")
	assert.NotContains(t, frame, "| 7")
}

func TestCodeFrame_Tabs(t *testing.T) {
	frame := CodeFrame("\tfoo(;", 1, 6)
	assert.Contains(t, frame, "  | \t    ^")
}

func TestCodeFrame_OutOfRange(t *testing.T) {
	assert.Equal(t, "", CodeFrame("one line", 5, 1))
	assert.Equal(t, "", CodeFrame("one line", 0, 1))
}
