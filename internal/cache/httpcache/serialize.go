package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize dumps the http.Response in wire format. The response body is
// consumed and replaced with an equivalent reader, so resp stays readable.
func Serialize(resp *http.Response) ([]byte, error) {
	body, err := ReadBody(resp)
	if err != nil {
		return nil, err
	}

	snapshot := *resp
	snapshot.Body = io.NopCloser(bytes.NewReader(body))
	snapshot.ContentLength = int64(len(body))
	snapshot.TransferEncoding = nil
	if snapshot.ProtoMajor == 0 {
		snapshot.Proto, snapshot.ProtoMajor, snapshot.ProtoMinor = "HTTP/1.1", 1, 1
	}

	b, err := httputil.DumpResponse(&snapshot, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

// Deserialize parses data produced by Serialize into a fully buffered response
func Deserialize(b []byte) (*http.Response, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	if _, err := ReadBody(resp); err != nil {
		return nil, fmt.Errorf("failed to read cached body: %w", err)
	}

	return resp, nil
}

// ReadBody drains resp.Body and replaces it with an in-memory reader over the same bytes
func ReadBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Captured is a fully buffered response that can be replayed any number of times.
// It is safe for concurrent use.
type Captured struct {
	resp http.Response
	body []byte
}

// Capture drains resp into a Captured. resp itself stays readable.
func Capture(resp *http.Response) (*Captured, error) {
	body, err := ReadBody(resp)
	if err != nil {
		return nil, err
	}

	c := &Captured{resp: *resp, body: body}
	c.resp.Header = resp.Header.Clone()
	c.resp.Trailer = resp.Trailer.Clone()
	c.resp.Body = nil
	c.resp.TransferEncoding = nil
	c.resp.ContentLength = int64(len(body))
	return c, nil
}

// Response returns a new independent response with the captured content
func (c *Captured) Response(req *http.Request) *http.Response {
	resp := c.resp
	resp.Header = c.resp.Header.Clone()
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Trailer = c.resp.Trailer.Clone()
	resp.Body = io.NopCloser(bytes.NewReader(c.body))
	if req != nil {
		resp.Request = req
	}
	return &resp
}

// Clone returns an independent copy of resp. Both resp and the copy can be read
// to the end without affecting each other.
func Clone(resp *http.Response) (*http.Response, error) {
	captured, err := Capture(resp)
	if err != nil {
		return nil, err
	}
	return captured.Response(nil), nil
}
