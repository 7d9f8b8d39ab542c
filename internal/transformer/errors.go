package transformer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultMaxMessages caps the per-row messages kept in a ParseError.
const DefaultMaxMessages = 20

// ParseError is the single aggregated error for malformed input. Errors holds
// the messages of the first offending rows in line order; Total counts every
// rejected row.
type ParseError struct {
	Errors []string
	Total  int
}

func (e *ParseError) Error() string {
	if len(e.Errors) == 0 {
		return "parse error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "parse error: %d invalid row(s): %s", e.Total, strings.Join(e.Errors, "; "))
	if e.Total > len(e.Errors) {
		fmt.Fprintf(&b, "; and %d more", e.Total-len(e.Errors))
	}
	return b.String()
}

type lineMessage struct {
	line int
	msg  string
}

// Collector gathers row-level problems from concurrent pipeline stages and
// turns them into one *ParseError. It is safe for concurrent use.
type Collector struct {
	// Max is the number of messages kept; <= 0 means DefaultMaxMessages.
	Max int

	mu    sync.Mutex
	msgs  []lineMessage
	total int
}

func (c *Collector) max() int {
	if c.Max <= 0 {
		return DefaultMaxMessages
	}
	return c.Max
}

// Add records a problem on the given line. Line 0 marks a file-level problem
// and is reported without a row prefix.
func (c *Collector) Add(line int, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.msgs = append(c.msgs, lineMessage{line: line, msg: fmt.Sprintf(format, args...)})
	if len(c.msgs) > 2*c.max() {
		c.trim()
	}
}

// trim keeps the lowest lines. Stages report out of order, so the cap is
// applied after sorting.
func (c *Collector) trim() {
	sort.SliceStable(c.msgs, func(i, j int) bool { return c.msgs[i].line < c.msgs[j].line })
	if len(c.msgs) > c.max() {
		c.msgs = c.msgs[:c.max()]
	}
}

// Len returns the number of problems recorded so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Err returns nil when nothing was recorded, otherwise a *ParseError.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total == 0 {
		return nil
	}
	c.trim()
	out := &ParseError{Total: c.total, Errors: make([]string, 0, len(c.msgs))}
	for _, m := range c.msgs {
		if m.line <= 0 {
			out.Errors = append(out.Errors, m.msg)
			continue
		}
		out.Errors = append(out.Errors, fmt.Sprintf("row %d: %s", m.line, m.msg))
	}
	return out
}
