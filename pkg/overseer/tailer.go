package overseer

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
)

// Tailer incrementally reads error-level lines from the daemon's JSON log.
// It remembers its offset and inode between polls and starts over when the
// file is rotated or truncated underneath it.
type Tailer struct {
	path   string
	ino    uint64
	offset int64
	carry  string // partial trailing line from the previous poll
}

// NewTailer starts tailing at the current end of file, so pre-existing
// errors from an earlier daemon run are not re-reported.
func NewTailer(path string) *Tailer {
	t := &Tailer{path: path}
	if info, err := os.Stat(path); err == nil {
		t.ino = inodeOf(info)
		t.offset = info.Size()
	}
	return t
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// Poll returns the error-level messages appended since the last call.
func (t *Tailer) Poll() ([]string, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.ino = 0
		t.offset = 0
		t.carry = ""
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if ino := inodeOf(info); ino != t.ino {
		// Rotated to a fresh file, which may already be larger than the
		// old offset; everything present is new.
		t.ino = ino
		t.offset = 0
		t.carry = ""
	}
	if info.Size() < t.offset {
		// Truncated in place.
		t.offset = 0
		t.carry = ""
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	t.offset += int64(len(data))

	text := t.carry + string(data)
	lines := strings.Split(text, "\n")
	t.carry = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var msgs []string
	for _, line := range lines {
		if msg, ok := ParseErrorLine(line); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

type logLine struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// ParseErrorLine decodes one JSON log line and reports whether it is
// error-level. Unparseable lines are ignored; the log belongs to zap and
// anything else in it is noise.
func ParseErrorLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	var l logLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return "", false
	}
	if l.Level != "error" && l.Level != "fatal" && l.Level != "panic" {
		return "", false
	}
	return l.Msg, true
}
