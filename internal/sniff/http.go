// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sniff

import (
	"bytes"
	"strings"
)

// maxHTTPHead bounds how much request head we will buffer hunting for
// a Host header.
const maxHTTPHead = 8 << 10

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("HEAD "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
	[]byte("CONNECT "),
	[]byte("PATCH "),
	[]byte("TRACE "),
}

var crlf = []byte("\r\n")

// classifyHTTP inspects a TCP payload for a plaintext HTTP request
// and pulls the Host header out of it.
func classifyHTTP(payload []byte) (*Result, error) {
	matched := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, m) {
			matched = true
			break
		}
		if len(payload) < len(m) && bytes.HasPrefix(m, payload) {
			// Could still become this method.
			return nil, ErrNeedMore
		}
	}
	if !matched {
		return nil, nil
	}

	headEnd := bytes.Index(payload, []byte("\r\n\r\n"))
	scan := payload
	if headEnd >= 0 {
		scan = payload[:headEnd+2]
	}

	// Walk header lines. Only a line with its terminating CRLF in hand
	// counts; a split Host value must wait for the next segment.
	cursor := bytes.Index(scan, crlf)
	for cursor >= 0 {
		cursor += 2
		nl := bytes.Index(scan[cursor:], crlf)
		if nl < 0 {
			break
		}
		line := scan[cursor : cursor+nl]
		if len(line) >= 5 && bytes.EqualFold(line[:5], []byte("Host:")) {
			return hostResult(payload, cursor, line), nil
		}
		cursor += nl + 2
	}

	if headEnd >= 0 {
		// Full head, no Host header. HTTP/1.0 allows it.
		return &Result{Kind: HTTP, ExtOff: -1}, nil
	}
	if len(payload) > maxHTTPHead {
		return nil, nil
	}
	return nil, ErrNeedMore
}

// hostResult builds the classification from a complete Host line.
// lineOff is the line's offset within payload.
func hostResult(payload []byte, lineOff int, line []byte) *Result {
	value := line[5:]
	skip := 0
	for skip < len(value) && (value[skip] == ' ' || value[skip] == '\t') {
		skip++
	}
	value = value[skip:]
	for len(value) > 0 && (value[len(value)-1] == ' ' || value[len(value)-1] == '\t') {
		value = value[:len(value)-1]
	}

	// Drop a :port suffix but leave IPv6 literals alone.
	nameLen := len(value)
	if i := bytes.LastIndexByte(value, ':'); i >= 0 && !bytes.Contains(value[:i], []byte{':'}) {
		nameLen = i
	}
	if nameLen == 0 {
		return &Result{Kind: HTTP, ExtOff: -1}
	}

	return &Result{
		Kind:    HTTP,
		Host:    strings.ToLower(string(value[:nameLen])),
		HostOff: lineOff + 5 + skip,
		HostLen: nameLen,
		ExtOff:  -1,
	}
}
