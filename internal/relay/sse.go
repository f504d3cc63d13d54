package relay

import (
	"bufio"
	"io"
	"strings"
)

// sseReader yields the data payloads of a server-sent-event stream. Metadata
// lines (event:, id:, comments) are ignored; multi-line data fields within
// one event are joined with a newline.
type sseReader struct {
	r   *bufio.Reader
	buf []string
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// nextData returns the next event's data payload, or io.EOF when the
// underlying reader ends.
func (s *sseReader) nextData() (string, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(s.buf) > 0 {
				out := strings.Join(s.buf, "\n")
				s.buf = s.buf[:0]
				return out, nil
			}
			if err == io.EOF {
				return "", io.EOF
			}
			continue
		}

		if strings.HasPrefix(line, "data:") {
			s.buf = append(s.buf, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if len(s.buf) > 0 {
				out := strings.Join(s.buf, "\n")
				s.buf = s.buf[:0]
				return out, nil
			}
			return "", io.EOF
		}
	}
}
