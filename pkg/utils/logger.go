package utils

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgCyan, color.FgWhite, color.FgMagenta}

var (
	l     sync.Mutex
	index = -1
)

const MaxNameLength = 24

// ColorLogger is an io.Writer that prefixes every write with a colored
// instance name so concurrent stage output stays attributable.
type ColorLogger struct {
	name   string
	writer io.Writer
	c      color.Attribute
}

// NewColorLogger wraps writer with a name prefix. When newColor is true the
// logger takes the next color in the rotation, otherwise it reuses the
// current one so a stage's stdout and stderr share a color.
func NewColorLogger(name string, writer io.Writer, newColor bool) io.Writer {
	l.Lock()
	if newColor {
		index = (index + 1) % len(colors)
	}
	c := colors[(index+len(colors))%len(colors)]
	l.Unlock()

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{
		name:   name,
		writer: writer,
		c:      c,
	}
}

// Write reports len(p) on success: the prefix and color escape codes go to
// the underlying writer but do not count against p.
func (c *ColorLogger) Write(p []byte) (int, error) {
	out := color.New(c.c)
	if _, err := out.Fprint(c.writer, c.name, " | "); err != nil {
		return 0, err
	}
	if _, err := out.Fprintf(c.writer, "%s", p); err != nil {
		return 0, err
	}
	return len(p), nil
}
