package term

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Transcript writes console output to w with escape sequences and carriage
// returns removed. Output is forwarded a line at a time so sequences split
// across writes are stripped whole.
type Transcript struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

func NewTranscript(w io.Writer) *Transcript {
	return &Transcript{w: w}
}

func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	i := bytes.LastIndexByte(t.buf, '\n')
	if i < 0 {
		return len(p), nil
	}
	if err := t.emit(t.buf[:i+1]); err != nil {
		return 0, err
	}
	t.buf = append(t.buf[:0], t.buf[i+1:]...)
	return len(p), nil
}

func (t *Transcript) emit(chunk []byte) error {
	clean := strings.ReplaceAll(ansi.Strip(string(chunk)), "\r", "")
	_, err := io.WriteString(t.w, clean)
	return err
}

// Flush writes any buffered partial line.
func (t *Transcript) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return nil
	}
	err := t.emit(t.buf)
	t.buf = t.buf[:0]
	return err
}
