package http

// Request holds the fields parsed from one HTTP request.
type Request struct {
	Method  string
	Path    string
	Proto   string // version token after "HTTP/", e.g. "1.1"
	Headers map[string]string
	Body    []byte

	// KeepAlive is set when the request carries "Connection: keep-alive".
	KeepAlive bool
	// ContentLength is the declared body length, 0 when absent.
	ContentLength int
}

func (r *Request) reset() {
	r.Method = ""
	r.Path = ""
	r.Proto = ""
	r.Headers = nil
	r.Body = nil
	r.KeepAlive = false
	r.ContentLength = 0
}

// BodyHandler receives each fully parsed request before the response is
// built. The login route checks out a pooled database connection for the
// duration of the call.
type BodyHandler func(req *Request)
