package http

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/netreactor/webserv/core/buffer"
)

// ErrBadRequest reports a malformed request line. The connection is not
// closed on this error; the caller re-arms for reads and the client gets a
// fresh chance on a keep-alive connection.
var ErrBadRequest = errors.New("malformed request line")

type parserState int

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBody
	stateComplete
)

var crlf = []byte("\r\n")

// parser is a resumable request parser. It consumes bytes from the input
// buffer only once a complete line (or the declared body length) is
// available, so a request split across multiple reads parses correctly.
type parser struct {
	state parserState
	req   Request
	// consumed counts bytes taken from the input buffer for the request in
	// progress, so callers can bound request size even though header lines
	// leave the buffer as they parse.
	consumed int
}

func (p *parser) reset() {
	p.state = stateRequestLine
	p.req.reset()
	p.consumed = 0
}

// parse advances the state machine over whatever is currently buffered.
// It returns true when a full request has been parsed; false with a nil
// error means more bytes are needed.
func (p *parser) parse(in *buffer.Buffer) (bool, error) {
	for {
		switch p.state {
		case stateRequestLine:
			line, ok := nextLine(in)
			if !ok {
				return false, nil
			}
			p.consumed += len(line) + 2
			if err := p.parseRequestLine(line); err != nil {
				return false, err
			}
			p.state = stateHeaders

		case stateHeaders:
			line, ok := nextLine(in)
			if !ok {
				return false, nil
			}
			p.consumed += len(line) + 2
			if len(line) == 0 {
				if p.req.ContentLength > 0 {
					p.state = stateBody
				} else {
					p.state = stateComplete
				}
				continue
			}
			p.parseHeader(line)

		case stateBody:
			need := p.req.ContentLength - len(p.req.Body)
			chunk := in.Peek()
			if len(chunk) > need {
				chunk = chunk[:need]
			}
			p.req.Body = append(p.req.Body, chunk...)
			in.Retrieve(len(chunk))
			p.consumed += len(chunk)
			if len(p.req.Body) < p.req.ContentLength {
				return false, nil
			}
			p.state = stateComplete

		case stateComplete:
			return true, nil
		}
	}
}

// nextLine consumes one CRLF-terminated line, or nothing when no full line
// is buffered yet. The returned line excludes the terminator and does not
// alias the buffer.
func nextLine(in *buffer.Buffer) ([]byte, bool) {
	data := in.Peek()
	i := bytes.Index(data, crlf)
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, data[:i])
	in.Retrieve(i + 2)
	return line, true
}

// parseRequestLine matches METHOD SP PATH SP HTTP/VERSION. "/" maps to
// "/index.html".
func (p *parser) parseRequestLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return ErrBadRequest
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return ErrBadRequest
	}
	proto := rest[sp2+1:]
	if !bytes.HasPrefix(proto, []byte("HTTP/")) || bytes.IndexByte(proto, ' ') >= 0 {
		return ErrBadRequest
	}

	p.req.Method = string(line[:sp1])
	p.req.Path = string(rest[:sp2])
	p.req.Proto = string(proto[len("HTTP/"):])
	if p.req.Path == "/" {
		p.req.Path = "/index.html"
	}
	return nil
}

// parseHeader records one header line. Only Connection and Content-Length
// are interpreted; everything else is carried in the header map untouched.
func (p *parser) parseHeader(line []byte) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return
	}
	name := string(bytes.TrimSpace(line[:colon]))
	value := string(bytes.TrimSpace(line[colon+1:]))
	if p.req.Headers == nil {
		p.req.Headers = make(map[string]string)
	}
	p.req.Headers[name] = value

	switch {
	case strings.EqualFold(name, "Connection"):
		if strings.EqualFold(value, "keep-alive") {
			p.req.KeepAlive = true
		}
	case strings.EqualFold(name, "Content-Length"):
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			p.req.ContentLength = n
		}
	}
}
