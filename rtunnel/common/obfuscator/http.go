/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package obfuscator

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
)

const (
	MAX_HTTP_BODY_LENGTH   = 65535
	MAX_HTTP_HEADER_LENGTH = 4096

	DEFAULT_HTTP_HOST = "www.example.com"
)

var headerTerminator = []byte("\r\n\r\n")

// HTTPEncoder frames each sent buffer as one or more HTTP/1.1 messages:
// POST requests from the connecting side, 200 OK responses from the
// accepting side.
type HTTPEncoder struct {
	request bool
	host    string
}

func NewHTTPEncoder(request bool, host string) *HTTPEncoder {
	if host == "" {
		host = DEFAULT_HTTP_HOST
	}
	return &HTTPEncoder{request: request, host: host}
}

func (e *HTTPEncoder) header(contentLength int) string {
	if e.request {
		return "POST /upload HTTP/1.1\r\n" +
			"Host: " + e.host + "\r\n" +
			"Connection: keep-alive\r\n" +
			"Content-Type: application/octet-stream\r\n" +
			"Content-Length: " + strconv.Itoa(contentLength) + "\r\n\r\n"
	}
	return "HTTP/1.1 200 OK\r\n" +
		"Server: " + e.host + "\r\n" +
		"Connection: keep-alive\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Length: " + strconv.Itoa(contentLength) + "\r\n\r\n"
}

func (e *HTTPEncoder) Encode(buffer []byte) []byte {
	var out bytes.Buffer
	for len(buffer) > 0 {
		n := len(buffer)
		if n > MAX_HTTP_BODY_LENGTH {
			n = MAX_HTTP_BODY_LENGTH
		}
		out.WriteString(e.header(n))
		out.Write(buffer[:n])
		buffer = buffer[n:]
	}
	return out.Bytes()
}

// HTTPDecoder strips HTTP message framing. Bodies are emitted as they
// arrive, so a body split across reads does not wait for completion.
type HTTPDecoder struct {
	request       bool
	bodyRemaining int
}

// NewHTTPDecoder creates a decoder expecting requests, when request is
// true, or responses.
func NewHTTPDecoder(request bool) *HTTPDecoder {
	return &HTTPDecoder{request: request}
}

func (d *HTTPDecoder) Decode(input []byte) (int, []byte, error) {

	if d.bodyRemaining > 0 {
		n := len(input)
		if n > d.bodyRemaining {
			n = d.bodyRemaining
		}
		d.bodyRemaining -= n
		return n, input[:n], nil
	}

	end := bytes.Index(input, headerTerminator)
	if end == -1 {
		if len(input) > MAX_HTTP_HEADER_LENGTH {
			return 0, nil, errors.TraceNew("header too long")
		}
		return 0, nil, nil
	}
	headerLength := end + len(headerTerminator)
	if headerLength > MAX_HTTP_HEADER_LENGTH {
		return 0, nil, errors.TraceNew("header too long")
	}

	contentLength, err := d.parseHeader(input[:headerLength])
	if err != nil {
		return 0, nil, errors.Trace(err)
	}

	d.bodyRemaining = contentLength
	return headerLength, nil, nil
}

func (d *HTTPDecoder) parseHeader(header []byte) (int, error) {

	reader := bufio.NewReader(bytes.NewReader(header))

	var contentLength int64
	var headers http.Header
	if d.request {
		request, err := http.ReadRequest(reader)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if request.Method != http.MethodPost || request.ProtoMajor != 1 {
			return 0, errors.Tracef("unexpected request: %s %s", request.Method, request.Proto)
		}
		contentLength = request.ContentLength
		headers = request.Header
	} else {
		response, err := http.ReadResponse(reader, nil)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if response.StatusCode != http.StatusOK || response.ProtoMajor != 1 {
			return 0, errors.Tracef("unexpected response: %s", response.Status)
		}
		contentLength = response.ContentLength
		headers = response.Header
	}

	if headers.Get("Content-Length") == "" || contentLength < 0 {
		return 0, errors.TraceNew("missing content length")
	}
	if contentLength > MAX_HTTP_BODY_LENGTH {
		return 0, errors.Tracef("content length too large: %d", contentLength)
	}
	return int(contentLength), nil
}
