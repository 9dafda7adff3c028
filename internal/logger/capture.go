package logger

import (
	"bufio"
	"errors"
	"io"
	"time"
)

// TimeFormat is the timestamp layout of captured output lines.
const TimeFormat = "2006-01-02 15:04:05.000"

// Capture copies r line by line to every non-nil writer, prefixing each line
// with "[timestamp] [name] ". A trailing line without a newline is terminated.
// It keeps draining r after a writer fails so the child never blocks on a full
// pipe, and returns once r reaches EOF or fails.
func Capture(r io.Reader, name string, ws ...io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	prefix := " [" + name + "] "
	buf := make([]byte, 0, 256)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			buf = buf[:0]
			buf = append(buf, '[')
			buf = time.Now().AppendFormat(buf, TimeFormat)
			buf = append(buf, ']')
			buf = append(buf, prefix...)
			buf = append(buf, line...)
			if line[len(line)-1] != '\n' {
				buf = append(buf, '\n')
			}
			for _, w := range ws {
				if w != nil {
					_, _ = w.Write(buf)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
