// File: internal/network/compression_test.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body = `{"mappings":[{"locator":"#lastName","value":"Garcia"}]}`

func encode(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		w = fw
	default:
		t.Fatalf("unknown encoding %s", encoding)
	}
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCompressionMiddleware_Decodes(t *testing.T) {
	cases := []struct {
		name     string
		encoding string
		header   string
	}{
		{"gzip", "gzip", "gzip"},
		{"brotli", "br", "br"},
		{"zlib deflate", "deflate", "deflate"},
		{"raw deflate", "raw-deflate", "deflate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotAccept string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAccept = r.Header.Get("Accept-Encoding")
				w.Header().Set("Content-Encoding", tc.header)
				_, _ = w.Write(encode(t, tc.encoding, []byte(body)))
			}))
			defer srv.Close()

			client := &http.Client{Transport: NewCompressionMiddleware(nil)}
			resp, err := client.Get(srv.URL)
			require.NoError(t, err)
			defer resp.Body.Close()

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, body, string(got))
			assert.Equal(t, "br, gzip, deflate", gotAccept)
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
			assert.True(t, resp.Uncompressed)
		})
	}
}

func TestDecompressResponse_Layered(t *testing.T) {
	// gzip applied first, then br.
	data := encode(t, "br", encode(t, "gzip", []byte(body)))
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip, br"}},
		Body:   io.NopCloser(bytes.NewReader(data)),
	}
	require.NoError(t, DecompressResponse(resp))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.NoError(t, resp.Body.Close())
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestDecompressResponse_ClosesUnderlyingBody(t *testing.T) {
	raw := &trackingBody{Reader: bytes.NewReader(encode(t, "gzip", []byte(body)))}
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"identity, gzip"}},
		Body:   raw,
	}
	require.NoError(t, DecompressResponse(resp))
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.True(t, raw.closed)
}

func TestIsZlibHeader(t *testing.T) {
	zl := encode(t, "deflate", []byte(body))
	assert.True(t, isZlibHeader(zl[:2]))
	assert.False(t, isZlibHeader(encode(t, "raw-deflate", []byte(body))[:2]))
}

func TestDecompressResponse_Errors(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"zstd"}},
		Body:   io.NopCloser(bytes.NewReader([]byte("x"))),
	}
	assert.ErrorContains(t, DecompressResponse(resp), "unsupported Content-Encoding")

	resp = &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(bytes.NewReader([]byte("not gzip"))),
	}
	assert.ErrorContains(t, DecompressResponse(resp), "gzip initialization error")

	assert.NoError(t, DecompressResponse(nil))
}

func TestNewClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(encode(t, "gzip", []byte(body)))
	}))
	defer srv.Close()

	client := NewClient(nil)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	cfg := NewDefaultClientConfig()
	cfg.DisableDecompression = true
	cfg.ForceHTTP2 = false
	raw := NewClient(cfg)
	_, isTransport := raw.Transport.(*http.Transport)
	assert.True(t, isTransport)
}

func TestConfigureTLS(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cfg.IgnoreTLSErrors = true
	tc := configureTLS(cfg)
	assert.True(t, tc.InsecureSkipVerify)

	base := NewDefaultClientConfig()
	tc = configureTLS(base)
	assert.False(t, tc.InsecureSkipVerify)
	assert.NotNil(t, tc.ClientSessionCache)
}
