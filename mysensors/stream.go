package mysensors

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Reader reads messages from a serial line stream.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r. Lines longer than 256 bytes are treated as a stream
// error; no valid message comes close.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64), 256)
	return &Reader{sc: sc}
}

// Read returns the next message. Blank lines are skipped. A malformed line
// yields an InvalidPayload error and the following call continues with the
// next line. io.EOF is returned at end of stream.
func (r *Reader) Read() (Message, error) {
	for r.sc.Scan() {
		line := r.sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		return ParseLine(line)
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Writer writes messages as serial lines. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) Write(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(b)
	return err
}
