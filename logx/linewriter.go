package logx

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter turns subprocess output into per-line zerolog events and keeps
// the last few lines for error reports.
type LineWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
	keep   int

	mu   sync.Mutex
	buf  bytes.Buffer
	tail []string
}

// NewLineWriter logs through l at level, remembering the last keep lines.
func NewLineWriter(l zerolog.Logger, level zerolog.Level, keep int) *LineWriter {
	return &LineWriter{logger: l, level: level, keep: keep}
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf.Write(p)
	for {
		line, err := lw.buf.ReadString('\n')
		if err != nil {
			// partial line; put it back for the next write
			lw.buf.Reset()
			lw.buf.WriteString(line)
			break
		}
		lw.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (lw *LineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.buf.Len() > 0 {
		lw.emit(strings.TrimRight(lw.buf.String(), "\r\n"))
		lw.buf.Reset()
	}
}

// Tail returns the remembered lines joined by newlines.
func (lw *LineWriter) Tail() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return strings.Join(lw.tail, "\n")
}

func (lw *LineWriter) emit(line string) {
	if line == "" {
		return
	}
	lw.logger.WithLevel(lw.level).Msg(line)
	if lw.keep <= 0 {
		return
	}
	lw.tail = append(lw.tail, line)
	if len(lw.tail) > lw.keep {
		lw.tail = lw.tail[len(lw.tail)-lw.keep:]
	}
}
