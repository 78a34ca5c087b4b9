// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package httpparse implements the streaming HTTP/1.x request-head
// recognizer: invoked on every client read, it searches the buffered prefix
// for CRLFCRLF and, once found, parses the request line and header block in
// one pass. It never looks at the body beyond determining its length.
package httpparse

import (
	"bytes"
	"strconv"
	"strings"
)

// Limits mirror spec.md §6's HTTP limits.
const (
	MaxHeaders     = 64
	MaxHeaderName  = 128
	MaxHeaderValue = 8192
	MaxPath        = 8192
	MaxHost        = 256
	MaxContentLen  = 100 * 1024 * 1024 // 100 MiB, §4.6 is_valid
)

// Method enumerates recognized HTTP methods, with Unknown as the sentinel
// for anything else (including malformed/empty tokens).
type Method int

const (
	MethodUnknown Method = iota
	MethodGET
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodOPTIONS
	MethodCONNECT
	MethodTRACE
	MethodPATCH
)

func parseMethod(s string) Method {
	switch s {
	case "GET":
		return MethodGET
	case "HEAD":
		return MethodHEAD
	case "POST":
		return MethodPOST
	case "PUT":
		return MethodPUT
	case "DELETE":
		return MethodDELETE
	case "OPTIONS":
		return MethodOPTIONS
	case "CONNECT":
		return MethodCONNECT
	case "TRACE":
		return MethodTRACE
	case "PATCH":
		return MethodPATCH
	default:
		return MethodUnknown
	}
}

// requiresBodyLength is true for methods the spec treats as "a body is
// expected but not self-delimited without Content-Length/chunked" — i.e.
// anything other than GET/HEAD/DELETE.
func requiresBodyLength(m Method) bool {
	switch m {
	case MethodGET, MethodHEAD, MethodDELETE:
		return false
	default:
		return true
	}
}

// Version is the recognized HTTP version token.
type Version int

const (
	VersionUnknown Version = iota
	Version10
	Version11
)

func parseVersion(s string) Version {
	switch strings.ToUpper(s) {
	case "HTTP/1.0":
		return Version10
	case "HTTP/1.1":
		return Version11
	default:
		return VersionUnknown
	}
}

// Header is one (name, value) pair, preserved in request order; duplicates
// are never coalesced.
type Header struct {
	Name  string
	Value string
}

// Request holds everything the parser extracts from a request head.
type Request struct {
	Method       Method
	MethodString string
	Path         string
	Version      Version
	Host         string
	Headers      []Header
	ContentLength int64 // -1 = unspecified
	Chunked       bool
	KeepAlive     bool
	IsComplete    bool
	HeadEndOffset int
	TotalLength   int64 // HeadEndOffset + body length, when known

	connectionSeen connectionToken
}

// Result is the outcome of one Parse call.
type Result int

const (
	// NeedMore means CRLFCRLF has not yet been found in the buffered
	// prefix; the caller should wait for more bytes.
	NeedMore Result = iota
	// Complete means the head parsed successfully (see IsValid for whether
	// the request itself is acceptable).
	Complete
	// Invalid means the buffered bytes can never form a valid head:
	// malformed request line/headers, an overflow, or an unparseable
	// version.
	Invalid
)

// New returns a freshly-initialized Request ready for streaming Parse
// calls, mirroring the "re-initialize the parser" step on keep-alive reuse.
func New() *Request {
	return &Request{ContentLength: -1}
}

// Reset reinitializes r in place for the next request on a keep-alive
// connection, avoiding a fresh allocation per pipelined request.
func (r *Request) Reset() {
	*r = Request{ContentLength: -1}
}

// Parse scans buf (the client's entire currently-buffered read span, which
// may include bytes belonging to a request body) for CRLFCRLF and, on
// finding it, parses the request line and headers. It is safe to call
// repeatedly as more bytes arrive; state accumulates in r.
func Parse(buf []byte, r *Request) Result {
	// The head was already recognized on a prior call (only the body was
	// incomplete); don't re-run the request-line/header parse, which would
	// duplicate r.Headers. Just recheck whether enough body has arrived.
	if r.HeadEndOffset > 0 {
		return completeWithBody(buf, r)
	}

	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		// No head terminator yet. Guard against an unbounded request line
		// alone blowing past limits before CRLFCRLF ever appears: a request
		// line longer than MaxPath plus slack cannot possibly be valid.
		if len(buf) > MaxPath+64 && !bytes.Contains(buf[:MaxPath+64], []byte("\r\n")) {
			return Invalid
		}
		return NeedMore
	}

	headEnd := idx + 4
	head := buf[:idx] // everything before the bare CRLFCRLF

	lineEnd := bytes.Index(head, []byte("\r\n"))
	if lineEnd < 0 {
		lineEnd = len(head)
	}
	requestLine := string(head[:lineEnd])
	rest := head[min(lineEnd+2, len(head)):]

	method, path, version, ok := parseRequestLine(requestLine)
	if !ok {
		return Invalid
	}

	r.Method = parseMethod(method)
	r.MethodString = method
	r.Path = path
	r.Version = parseVersion(version)
	if r.Version == VersionUnknown {
		return Invalid
	}
	if len(path) == 0 || len(path) > MaxPath {
		return Invalid
	}

	if res := parseHeaders(rest, r); res != Complete {
		return res
	}

	r.HeadEndOffset = headEnd
	applyKeepAliveDefault(r)

	return completeWithBody(buf, r)
}

// completeWithBody applies spec.md §4.6 step 5 (completeness) against the
// current buffer length. Split out from Parse so a second call that only
// needed more body bytes doesn't re-run request-line/header parsing.
func completeWithBody(buf []byte, r *Request) Result {
	switch {
	case r.Chunked:
		r.TotalLength = int64(r.HeadEndOffset)
		r.IsComplete = true
		return Complete
	case r.ContentLength >= 0:
		r.TotalLength = int64(r.HeadEndOffset) + r.ContentLength
		if int64(len(buf)) >= r.TotalLength {
			r.IsComplete = true
			return Complete
		}
		return NeedMore
	case !requiresBodyLength(r.Method):
		r.TotalLength = int64(r.HeadEndOffset)
		r.IsComplete = true
		return Complete
	default:
		// POST/PUT/PATCH/etc. without Content-Length or chunked encoding:
		// the body has no determinable length.
		return Invalid
	}
}

func parseRequestLine(line string) (method, path, version string, ok bool) {
	sp1 := strings.IndexByte(line, ' ')
	if sp1 < 0 {
		return "", "", "", false
	}
	rest := line[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	if sp2 < 0 {
		return "", "", "", false
	}
	method = line[:sp1]
	path = rest[:sp2]
	version = rest[sp2+1:]
	if method == "" || path == "" || version == "" {
		return "", "", "", false
	}
	return method, path, version, true
}

// parseHeaders iterates CRLF-separated header lines in buf until an empty
// line (already excluded from buf by the caller, since buf stops at the
// bare CRLFCRLF boundary). Returns Invalid on any overflow or malformed
// line, Complete otherwise.
func parseHeaders(buf []byte, r *Request) Result {
	count := 0
	for len(buf) > 0 {
		var line []byte
		if idx := bytes.Index(buf, []byte("\r\n")); idx >= 0 {
			line = buf[:idx]
			buf = buf[idx+2:]
		} else {
			line = buf
			buf = nil
		}
		if len(line) == 0 {
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return Invalid
		}
		name := string(line[:colon])
		value := string(bytes.Trim(line[colon+1:], " \t"))

		if len(name) == 0 || len(name) > MaxHeaderName {
			return Invalid
		}
		if len(value) > MaxHeaderValue {
			return Invalid
		}
		count++
		if count > MaxHeaders {
			return Invalid
		}

		r.Headers = append(r.Headers, Header{Name: name, Value: value})
		cacheHeader(r, name, value)
	}
	return Complete
}

// cacheHeader mirrors spec.md §4.6 step 3: Host, Content-Length,
// Transfer-Encoding and Connection are cached case-insensitively as they're
// seen, independent of the ordered Headers slice used for pass-through.
func cacheHeader(r *Request, name, value string) {
	switch strings.ToLower(name) {
	case "host":
		if len(value) <= MaxHost {
			r.Host = value
		}
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			r.ContentLength = n
		}
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			r.Chunked = true
		}
	case "connection":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "close":
			r.KeepAlive = false
			r.connectionSeen = connClose
		case "keep-alive":
			r.KeepAlive = true
			r.connectionSeen = connKeepAlive
		}
	}
}

// connectionToken records which, if any, Connection header value was seen,
// so the version-based default (step 4) can be applied only when the
// header was silent instead of clobbering an explicit value that happened
// to equal the default.
type connectionToken int

const (
	connNone connectionToken = iota
	connClose
	connKeepAlive
)

func applyKeepAliveDefault(r *Request) {
	if r.connectionSeen != connNone {
		return
	}
	switch r.Version {
	case Version11:
		r.KeepAlive = true
	case Version10:
		r.KeepAlive = false
	}
}

// IsValid implements spec.md §4.6's is_valid predicate.
func (r *Request) IsValid() bool {
	return r.Method != MethodUnknown &&
		len(r.Path) > 0 &&
		r.Version != VersionUnknown &&
		r.ContentLength <= MaxContentLen
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
