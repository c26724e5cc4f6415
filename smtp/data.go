package smtp

import (
	"bufio"
	"io"
)

// Pipeline fans a message's payload out to every accepted recipient's Store
// as bytes arrive, so the session never has to buffer a whole message in
// memory. Grounded on the teacher's connection-owned bufio writer in
// smtp/smtp.go, generalized to fan out to N stores and to track the
// declared size limit instead of writing straight to a socket.
type Pipeline struct {
	stores  []Store
	limit   int64
	written int64
}

func newPipeline(stores []Store, limit int64) *Pipeline {
	return &Pipeline{stores: stores, limit: limit}
}

// Write appends p to every store in the pipeline. If limit is positive and
// would be exceeded, no store is written and ErrSizeExceeded is returned so
// the caller can abort the transaction with a 552.
func (p *Pipeline) Write(b []byte) (int, error) {
	if p.limit > 0 && p.written+int64(len(b)) > p.limit {
		return 0, ErrSizeExceeded
	}
	for _, s := range p.stores {
		if _, err := s.Write(b); err != nil {
			return 0, err
		}
	}
	p.written += int64(len(b))
	return len(b), nil
}

// Close commits every store; used once DataEndStage accepts the message.
func (p *Pipeline) Close() error {
	var firstErr error
	for _, s := range p.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abort discards every store's partial write; used on protocol errors,
// oversize messages, or a DataEndStage rejection.
func (p *Pipeline) Abort() error {
	var firstErr error
	for _, s := range p.stores {
		if err := s.Abort(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readDotData reads a classic DATA payload from r up to (and consuming) the
// terminating "<CRLF>.<CRLF>" line, dot-unstuffing any leading '.' doubled
// at the start of a line per RFC 5321 §4.5.2, and writing each decoded
// chunk to dst. It returns ErrLineTooLong if any single line exceeds
// maxLine octets, matching the 1000-octet ceiling spec.md §4.1 sets for
// DATA content lines (versus 512 for commands).
func readDotData(r *bufio.Reader, dst io.Writer, maxLine int) error {
	for {
		line, err := readCRLFLine(r, maxLine)
		if err != nil {
			return err
		}
		if line == "." {
			return nil
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		if _, err := dst.Write([]byte(line)); err != nil {
			return err
		}
		if _, err := dst.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
}

// readCRLFLine reads one line terminated by CRLF, stripping the terminator,
// and enforces maxLine on the line's length excluding the terminator. Like
// the bufio.Reader.ReadLine it is built on, it also accepts a bare LF as a
// terminator.
func readCRLFLine(r *bufio.Reader, maxLine int) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLine {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			break
		}
	}
	return string(buf), nil
}

// readExactly reads exactly n bytes from r into dst, as RFC 3030 §2
// requires for BDAT: the chunk size is authoritative, there is no
// terminator to scan for.
func readExactly(r io.Reader, dst io.Writer, n int64) error {
	_, err := io.CopyN(dst, r, n)
	return err
}
