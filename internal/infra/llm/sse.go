package llm

import (
	"bufio"
	"io"
	"strings"
)

const (
	sseScannerInitialBuffer = 64 * 1024
	sseScannerMaxBuffer     = 512 * 1024
)

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sseScannerInitialBuffer), sseScannerMaxBuffer)
	return scanner
}

// parseSSE reads SSE frames from r, invoking fn for each complete event.
// A line "data: [DONE]" terminates the stream (spec §6).
func parseSSE(r io.Reader, fn func(wireSSEEvent) (stop bool)) error {
	scanner := newSSEScanner(r)

	var current wireSSEEvent
	var dataLines []string

	flush := func() bool {
		if len(dataLines) == 0 && current.Event == "" {
			return false
		}
		current.Data = strings.Join(dataLines, "\n")
		stop := fn(current)
		current = wireSSEEvent{}
		dataLines = nil
		return stop
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if flush() {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}
			dataLines = append(dataLines, data)
		case strings.HasPrefix(line, ":"):
			// comment/ping line, ignore
		}
	}
	flush()
	return scanner.Err()
}
