package proc

import "bytes"

// LineSplitter incrementally splits raw output chunks into complete
// lines. A trailing partial line is carried over and only emitted once
// its terminator arrives (or on Flush). A carriage return before the
// terminator is stripped.
type LineSplitter struct {
	carry []byte
}

// Split consumes one chunk and returns every complete line it closes.
func (ls *LineSplitter) Split(chunk []byte) []string {
	data := append(ls.carry, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(data[start:], '\n')
		if i < 0 {
			break
		}
		line := data[start : start+i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		start += i + 1
	}

	ls.carry = append([]byte(nil), data[start:]...)
	return lines
}

// Pending returns the buffered partial line without consuming it.
// Prompt-like output ends without a terminator, so callers need to see
// the tail before more input arrives.
func (ls *LineSplitter) Pending() string {
	line := ls.carry
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line)
}

// Discard drops the buffered partial line. Used after the pending tail
// has been consumed out of band (as a prompt line).
func (ls *LineSplitter) Discard() {
	ls.carry = nil
}

// Flush returns the buffered partial line, if any, and resets the
// splitter. Used when the producing stream has ended.
func (ls *LineSplitter) Flush() (string, bool) {
	if len(ls.carry) == 0 {
		return "", false
	}
	line := ls.carry
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	ls.carry = nil
	return string(line), true
}
