package service

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// maxSSELine caps the partial event-stream line kept between chunks.
const maxSSELine = 1 << 20

// usageFromJSON extracts a token-usage hint from a JSON response body.
// Anthropic reports input_tokens and output_tokens; OpenAI reports total_tokens.
func usageFromJSON(body []byte) *int {
	if !gjson.ValidBytes(body) {
		return nil
	}
	var u usageCounts
	u.observe(gjson.GetBytes(body, "usage"))
	return u.total()
}

type usageCounts struct {
	seen   bool
	input  int64
	output int64
	all    int64
}

// observe merges a usage object, keeping the largest value seen per field.
// Streams repeat or grow counts across events.
func (u *usageCounts) observe(usage gjson.Result) {
	if !usage.IsObject() {
		return
	}
	fields := map[string]*int64{
		"input_tokens":  &u.input,
		"output_tokens": &u.output,
		"total_tokens":  &u.all,
	}
	for path, dst := range fields {
		v := usage.Get(path)
		if !v.Exists() {
			continue
		}
		u.seen = true
		if n := v.Int(); n > *dst {
			*dst = n
		}
	}
}

func (u *usageCounts) total() *int {
	if !u.seen {
		return nil
	}
	n := int(u.all)
	if n == 0 {
		n = int(u.input + u.output)
	}
	return &n
}

// sseUsage scans an event stream as it passes through and collects token
// usage from its data lines. Only the current incomplete line is retained.
type sseUsage struct {
	line   []byte
	counts usageCounts
}

// Write consumes a chunk of the stream. It never fails.
func (s *sseUsage) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if len(s.line)+len(p) <= maxSSELine {
				s.line = append(s.line, p...)
			} else {
				s.line = s.line[:0]
			}
			break
		}
		if len(s.line) > 0 {
			s.line = append(s.line, p[:i]...)
			s.handleLine(s.line)
			s.line = s.line[:0]
		} else {
			s.handleLine(p[:i])
		}
		p = p[i+1:]
	}
	return n, nil
}

func (s *sseUsage) handleLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !gjson.ValidBytes(data) {
		return
	}
	// Anthropic message_start nests usage under message; message_delta and
	// OpenAI's final chunk carry it at the top level.
	s.counts.observe(gjson.GetBytes(data, "message.usage"))
	s.counts.observe(gjson.GetBytes(data, "usage"))
}

// Total returns the usage hint gathered so far, or nil.
func (s *sseUsage) Total() *int {
	return s.counts.total()
}
