// Package receiver implements the OTLP/HTTP metrics endpoint (JSON encoding).
package receiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/ingest"
	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// DefaultMaxBodyBytes bounds the decoded request body.
const DefaultMaxBodyBytes = 16 << 20

// Processor consumes decoded payloads. *ingest.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, payload *otlpjson.Payload) (ingest.Result, error)
}

// HTTPReceiver handles OTLP HTTP requests.
type HTTPReceiver struct {
	processor    Processor
	logger       *slog.Logger
	maxBodyBytes int64
	server       *http.Server
}

// Options configures an HTTPReceiver.
type Options struct {
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewHTTPReceiver creates a new HTTP receiver listening on addr.
func NewHTTPReceiver(addr string, processor Processor, opts Options) *HTTPReceiver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	r := &HTTPReceiver{
		processor:    processor,
		logger:       opts.Logger,
		maxBodyBytes: opts.MaxBodyBytes,
	}

	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return r
}

// Handler returns the receiver's routes.
func (r *HTTPReceiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/metrics", r.handleMetrics)
	mux.HandleFunc("/health", r.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// handleMetrics handles OTLP metrics export requests.
func (r *HTTPReceiver) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer req.Body.Close()

	if isProtobuf(req.Header.Get("Content-Type")) {
		http.Error(w, "Only the OTLP JSON encoding is supported (Content-Type: application/json)", http.StatusUnsupportedMediaType)
		return
	}

	body, err := r.readBody(w, req)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	payload, err := otlpjson.Unmarshal(body)
	if err != nil {
		r.logger.Warn("failed to parse metrics request", "error", err, "body_bytes", len(body))
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	res, err := r.processor.Process(req.Context(), payload)
	if err != nil {
		r.logger.Error("failed to process metrics request",
			"failures", res.Failures,
			"data_points", res.DataPoints,
			"error", err,
		)
		http.Error(w, fmt.Sprintf("Failed to process metrics: %v", err), http.StatusInternalServerError)
		return
	}

	r.writeResponse(w, &colmetricspb.ExportMetricsServiceResponse{})
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads the request body, decompressing gzip, and enforces the
// size limit on both the wire and decoded sizes.
func (r *HTTPReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	reader := io.Reader(http.MaxBytesReader(w, req.Body, r.maxBodyBytes))

	switch strings.ToLower(req.Header.Get("Content-Encoding")) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		defer gz.Close()
		reader = gz
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %s", req.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(io.LimitReader(reader, r.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > r.maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func isProtobuf(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/x-protobuf" || mediaType == "application/protobuf"
}

// handleHealth handles health check requests.
func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeResponse writes the export response in the request's JSON encoding.
func (r *HTTPReceiver) writeResponse(w http.ResponseWriter, resp *colmetricspb.ExportMetricsServiceResponse) {
	respBytes, err := protojson.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(respBytes))
}
