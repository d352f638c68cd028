package cas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxUploadBytes bounds one upload request body.
	DefaultMaxUploadBytes = 8 << 20
	// BundleContentType is the metadata type uploaded by the bridge.
	BundleContentType = "mesh_bundle"

	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// UploadMetadata describes an uploaded object.
type UploadMetadata struct {
	Type         string `json:"type"`
	Region       string `json:"region,omitempty"`
	MessageCount int    `json:"messageCount"`
	Timestamp    int64  `json:"timestamp"`
}

// UploadRequest is the body of POST /upload. Content is base64 in JSON.
type UploadRequest struct {
	Content  []byte         `json:"content"`
	Metadata UploadMetadata `json:"metadata"`
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	ContentHash string `json:"contentHash"`
	ArchivalID  string `json:"archivalId,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse is written for failed requests.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is the archival metadata kept next to each blob.
type Record struct {
	ArchivalID  string         `json:"archivalId"`
	ContentHash string         `json:"contentHash"`
	Size        int            `json:"size"`
	Metadata    UploadMetadata `json:"metadata"`
	StoredAt    int64          `json:"storedAt"`
}

// ServerOptions configures a Server.
type ServerOptions struct {
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Server exposes a Store over the storage bridge HTTP API.
type Server struct {
	store   *Store
	opts    ServerOptions
	logger  *zap.Logger
	handler http.Handler

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	done     chan struct{}
	serveErr error
}

// NewServer builds the HTTP handlers for store.
func NewServer(store *Store, options ServerOptions) *Server {
	if options.MaxUploadBytes <= 0 {
		options.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		opts:   options,
		logger: options.Logger.Named("storage_api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /retrieve/{hash}", s.handleRetrieve)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.handler = mux
	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds address and serves in the background.
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen storage api: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		_ = listener.Close()
		return errors.New("storage api already listening")
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	srv := s.http
	done := s.done
	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("storage api stopped", zap.Error(err))
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()
	s.logger.Info("storage api listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener gracefully. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	done := s.done
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown storage api: %w", err)
	}
	<-done
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	defer body.Close()

	var req UploadRequest
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "PAYLOAD_TOO_LARGE", "upload exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "INVALID_REQUEST", fmt.Sprintf("decode upload: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Content) == 0 {
		writeError(w, "INVALID_REQUEST", "content is required", http.StatusBadRequest)
		return
	}

	hash, err := s.store.Write(req.Content)
	if err != nil {
		s.logger.Error("store upload failed", zap.Error(err))
		writeError(w, "STORAGE_ERROR", "failed to store content", http.StatusInternalServerError)
		return
	}

	record, err := s.store.ReadRecord(hash)
	if errors.Is(err, ErrNotFound) {
		record = Record{
			ArchivalID:  uuid.NewString(),
			ContentHash: hash,
			Size:        len(req.Content),
			Metadata:    req.Metadata,
			StoredAt:    time.Now().UnixMilli(),
		}
		err = s.store.WriteRecord(record)
	}
	if err != nil {
		s.logger.Error("archival record failed", zap.String("hash", hash), zap.Error(err))
		writeError(w, "STORAGE_ERROR", "failed to record upload", http.StatusInternalServerError)
		return
	}

	s.logger.Info("upload stored",
		zap.String("hash", hash),
		zap.String("archival_id", record.ArchivalID),
		zap.Int("bytes", len(req.Content)),
		zap.Int("message_count", req.Metadata.MessageCount),
	)
	writeJSON(w, UploadResponse{ContentHash: hash, ArchivalID: record.ArchivalID}, http.StatusOK)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	data, err := s.store.Read(hash)
	switch {
	case errors.Is(err, ErrInvalidHash):
		writeError(w, "INVALID_HASH", err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrNotFound):
		writeError(w, "NOT_FOUND", "content not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("retrieve failed", zap.String("hash", hash), zap.Error(err))
		writeError(w, "STORAGE_ERROR", "failed to read content", http.StatusInternalServerError)
		return
	}

	w.Header().Set(headerContentType, contentTypeBinary)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if _, err := statRoot(s.store.Root()); err != nil {
		writeError(w, "UNHEALTHY", "storage root unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, HealthResponse{Status: "ok", Timestamp: time.Now().Unix()}, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, statusCode int) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeError(w, "ENCODING_ERROR", "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(statusCode)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}
