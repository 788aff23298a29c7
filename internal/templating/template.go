// Package templating renders action payload templates against an event,
// restricted to a closed whitelist of variables so a trigger author can
// never reach into arbitrary internal state through a template string.
package templating

import (
	"fmt"
	"strings"

	"github.com/chainwatch/pulse/internal/domain/event"
)

// Size caps from the payload contract, both measured in bytes: push text
// payloads are capped at 4096 bytes, webhook and callback JSON bodies at
// 64 KiB.
const (
	MaxTextSize = 4096
	MaxBodySize = 64 * 1024
)

// ErrPayloadTooLarge is returned by Render when the rendered output exceeds
// maxSize; callers classify this as a PermanentFailure.
type ErrPayloadTooLarge struct {
	Size, Max int
}

func (e ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("templating: rendered payload is %d bytes, exceeds cap of %d", e.Size, e.Max)
}

// UnknownVariable is recorded for every {{var}} placeholder Render could
// not resolve, so the caller can bump a warning metric without templating
// needing to know about Prometheus.
type UnknownVariable struct {
	Name string
}

// Render substitutes every {{variable}} placeholder in tmpl using
// ev.FieldString as the closed whitelist source. An unresolved variable
// renders to the empty string and is reported back via unknown, rather than
// aborting the render — a partially-broken template still delivers
// something an operator can act on.
func Render(tmpl string, ev event.Event, maxSize int) (string, []UnknownVariable, error) {
	var out strings.Builder
	var unknown []UnknownVariable

	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		start += i
		out.WriteString(tmpl[i:start])

		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			// Unterminated placeholder: emit literally rather than silently
			// dropping the rest of the template.
			out.WriteString(tmpl[start:])
			break
		}
		end += start

		name := strings.TrimSpace(tmpl[start+2 : end])
		if val, ok := ev.FieldString(name); ok {
			out.WriteString(val)
		} else {
			unknown = append(unknown, UnknownVariable{Name: name})
		}
		i = end + 2
	}

	rendered := out.String()
	if maxSize > 0 && len(rendered) > maxSize {
		return "", unknown, ErrPayloadTooLarge{Size: len(rendered), Max: maxSize}
	}
	return rendered, unknown, nil
}
