// File: internal/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip, deflate"

// decoders maps a Content-Encoding token to a constructor for its reader.
var decoders = map[string]func(io.Reader) (io.ReadCloser, error){
	"gzip":   newGzipReader,
	"x-gzip": newGzipReader,
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"deflate": newDeflateReader,
}

func newGzipReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip initialization error: %w", err)
	}
	return zr, nil
}

// newDeflateReader accepts zlib-wrapped deflate, the correct form, and raw deflate, which
// some servers send instead.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err == nil && isZlibHeader(head) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate initialization error: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

// isZlibHeader checks CM=8 and the FCHECK multiple-of-31 rule from RFC 1950.
func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// CompressionMiddleware is an http.RoundTripper that advertises br, gzip and deflate and
// decodes the response body according to Content-Encoding.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// decodedBody reads from the outermost decoder and closes every layer on Close.
type decodedBody struct {
	io.Reader
	layers []io.Closer
}

func (b *decodedBody) Close() error {
	var errs []error
	for i := len(b.layers) - 1; i >= 0; i-- {
		errs = append(errs, b.layers[i].Close())
	}
	b.layers = nil
	return errors.Join(errs...)
}

// DecompressResponse replaces resp.Body with a reader that undoes every Content-Encoding
// layer, last applied first. On success the encoding and length headers are removed and
// resp.Uncompressed is set.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := contentEncodings(resp.Header)
	if len(encodings) == 0 {
		return nil
	}

	body := &decodedBody{Reader: resp.Body, layers: []io.Closer{resp.Body}}
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := encodings[i]
		if enc == "identity" {
			continue
		}
		newReader, ok := decoders[enc]
		if !ok {
			return fmt.Errorf("unsupported Content-Encoding layer: %s", enc)
		}
		r, err := newReader(body.Reader)
		if err != nil {
			return err
		}
		body.Reader = r
		body.layers = append(body.layers, r)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func contentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if enc := strings.ToLower(strings.TrimSpace(part)); enc != "" {
				out = append(out, enc)
			}
		}
	}
	return out
}
