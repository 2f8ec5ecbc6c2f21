package devhost

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls response compression behavior.
type CompressionConfig struct {
	// MinSize is the minimum response size to compress (default: 256 bytes).
	MinSize int

	// Level is the compression level (1-9 for gzip, 0-11 for brotli, 1-4
	// for zstd). 0 uses the default level for each algorithm.
	Level int

	// ContentTypes is a list of content-type prefixes to compress.
	// Empty means text/* and the common structured types.
	ContentTypes []string

	// PreferOrder is the preferred encoding order when the client accepts
	// several. Default: ["br", "zstd", "gzip"]
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"image/svg+xml",
}

// CompressHandler wraps an http.Handler with response compression.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler creates a compression middleware with default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{
		Handler: h,
		Config:  DefaultCompressionConfig(),
	}
}

// Compress returns CompressHandler as chi-style middleware.
func Compress(cfg CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &CompressHandler{Handler: next, Config: cfg}
	}
}

// ServeHTTP implements http.Handler with transparent response compression.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" || r.Method == http.MethodHead {
		c.Handler.ServeHTTP(w, r)
		return
	}

	cw := &compressResponseWriter{
		ResponseWriter: w,
		encoding:       encoding,
		config:         c.Config,
	}
	defer func() { _ = cw.Close() }()

	c.Handler.ServeHTTP(cw, r)
}

func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	preferOrder := c.Config.PreferOrder
	if len(preferOrder) == 0 {
		preferOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}
	for _, enc := range preferOrder {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the accepted encodings. Entries with q=0 are
// refused and dropped.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" {
			continue
		}
		if name != "" && name != "identity" {
			result[name] = struct{}{}
		}
	}
	return result
}

// compressResponseWriter holds the status line back until it knows whether
// the body will be compressed, so Content-Encoding is never set after the
// header has gone out.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding string
	config   CompressionConfig
	writer   io.WriteCloser
	buffer   []byte
	status   int
	decided  bool
}

func (cw *compressResponseWriter) WriteHeader(statusCode int) {
	if cw.status != 0 || cw.decided {
		return
	}
	if statusCode < 200 {
		cw.ResponseWriter.WriteHeader(statusCode)
		return
	}
	cw.status = statusCode
	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified {
		cw.decide(false)
	}
}

func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	if cw.decided {
		if cw.writer != nil {
			return cw.writer.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buffer = append(cw.buffer, b...)
	if len(cw.buffer) < cw.minSize() {
		return len(b), nil
	}
	if err := cw.decide(cw.compressible()); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close flushes any remaining data and closes the compression writer.
func (cw *compressResponseWriter) Close() error {
	if !cw.decided {
		if cw.status == 0 {
			cw.status = http.StatusOK
		}
		if err := cw.decide(false); err != nil {
			return err
		}
	}
	if cw.writer != nil {
		return cw.writer.Close()
	}
	return nil
}

// Flush implements http.Flusher. A streamed body is compressed if its type
// allows, whatever its size so far.
func (cw *compressResponseWriter) Flush() {
	if !cw.decided {
		if cw.status == 0 {
			cw.status = http.StatusOK
		}
		_ = cw.decide(cw.compressible())
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressResponseWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

// decide sends the header and the buffered bytes, compressed or not.
func (cw *compressResponseWriter) decide(compress bool) error {
	cw.decided = true
	if compress {
		h := cw.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", cw.encoding)
		h.Add("Vary", "Accept-Encoding")
		if err := cw.initCompression(); err != nil {
			h.Del("Content-Encoding")
			cw.writer = nil
		}
	}
	cw.ResponseWriter.WriteHeader(cw.status)

	buf := cw.buffer
	cw.buffer = nil
	if len(buf) == 0 {
		return nil
	}
	var err error
	if cw.writer != nil {
		_, err = cw.writer.Write(buf)
	} else {
		_, err = cw.ResponseWriter.Write(buf)
	}
	return err
}

func (cw *compressResponseWriter) initCompression() error {
	var err error
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		cw.writer, err = gzip.NewWriterLevel(cw.ResponseWriter, level)

	case EncodingZstd:
		level := zstd.EncoderLevelFromZstd(cw.config.Level)
		if cw.config.Level == 0 {
			level = zstd.SpeedDefault
		}
		cw.writer, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))

	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}
	return err
}

func (cw *compressResponseWriter) minSize() int {
	if cw.config.MinSize == 0 {
		return 256
	}
	return cw.config.MinSize
}

func (cw *compressResponseWriter) compressible() bool {
	if cw.Header().Get("Content-Encoding") != "" {
		return false
	}
	contentType := strings.ToLower(cw.Header().Get("Content-Type"))
	if contentType == "" {
		return false
	}

	types := cw.config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	for _, t := range types {
		if strings.HasPrefix(contentType, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
