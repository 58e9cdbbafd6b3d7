// Package term renders guest console output for the host: a headless VT
// screen for snapshots and a plain-text transcript.
package term

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Screen is a virtual terminal fed with guest console output. It keeps the
// visible grid so the final screen can be dumped after the VM stops.
type Screen struct {
	emu     *vt.SafeEmulator
	drained chan struct{}

	// mu orders Write and Resize against Close; the emulator's own close
	// flag is not synchronized.
	mu     sync.Mutex
	closed bool
}

// NewScreen creates a cols x rows screen.
func NewScreen(cols, rows int) *Screen {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 25
	}
	emu := vt.NewSafeEmulator(cols, rows)
	swallowQueries(emu)

	s := &Screen{emu: emu, drained: make(chan struct{})}
	go s.discardReplies()
	return s
}

// swallowQueries stops the emulator answering status and attribute queries.
// Nothing forwards those replies to the guest, and a guest that did get them
// would see them as typed input.
func swallowQueries(emu *vt.SafeEmulator) {
	// DSR: CSI 5 n, CSI 6 n
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	// DECXCPR: CSI ? 6 n
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// Primary and secondary DA.
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (s *Screen) discardReplies() {
	defer close(s.drained)
	_, _ = io.Copy(io.Discard, s.emu)
}

// Write feeds guest output into the emulator.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.emu.Write(p)
}

func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emu.Resize(cols, rows)
}

func (s *Screen) Size() (cols, rows int) {
	return s.emu.Width(), s.emu.Height()
}

// Cursor returns the zero-based cursor column and row.
func (s *Screen) Cursor() (x, y int) {
	pos := s.emu.CursorPosition()
	return pos.X, pos.Y
}

// Snapshot returns the visible screen as text, one line per row with
// trailing blanks removed and trailing empty rows dropped.
func (s *Screen) Snapshot() string {
	cols, rows := s.Size()
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var b strings.Builder
		for x := 0; x < cols; {
			cell := s.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				b.WriteByte(' ')
				x++
				continue
			}
			b.WriteString(cell.Content)
			x += max(cell.Width, 1)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Close stops the screen. The grid stays readable for Snapshot.
func (s *Screen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	// Ending the reply pipe first lets discardReplies finish before the
	// emulator is marked closed underneath it.
	if c, ok := s.emu.InputPipe().(io.Closer); ok {
		_ = c.Close()
	}
	<-s.drained
	return s.emu.Close()
}
