package engine

import (
	"fmt"
	"strings"
)

// Description accumulates a launch description segment by segment.
type Description struct {
	b strings.Builder
}

// Describe starts a description with an optional first segment.
func Describe(format string, args ...interface{}) *Description {
	d := &Description{}
	if format != "" {
		d.Add(format, args...)
	}
	return d
}

// Add appends one segment. Segments are separated by a single space.
func (d *Description) Add(format string, args ...interface{}) *Description {
	seg := strings.TrimSpace(fmt.Sprintf(format, args...))
	if seg == "" {
		return d
	}
	if d.b.Len() > 0 {
		d.b.WriteByte(' ')
	}
	d.b.WriteString(seg)
	return d
}

// Spec finishes the description under the given graph name.
func (d *Description) Spec(name string) Spec {
	return Spec{Name: name, Description: d.b.String()}
}

// String returns the description so far.
func (d *Description) String() string {
	return d.b.String()
}
