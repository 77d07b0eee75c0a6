package gateway

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/middleware"
	"github.com/infergate/gateway/internal/usage"
	"github.com/infergate/gateway/pb"
)

const defaultMaxTokens = 1024

// StreamFactory builds a backend stream client for one logical request.
// Tests substitute mock-backed clients.
type StreamFactory func(model config.Model, requestID string, params backend.GenParams) (*backend.StreamClient, error)

// DialFunc opens a unary inference client to a backend address.
type DialFunc func(target string) (pb.InferenceServiceClient, io.Closer, error)

// Server owns the /v1 route handlers.
type Server struct {
	registry  *config.Registry
	recorder  *usage.Recorder
	newStream StreamFactory
	dial      DialFunc
	forward   *http.Client

	mu       sync.Mutex
	clients  map[string]pb.InferenceServiceClient
	counters map[string]*backend.Counter
}

func defaultDial(target string) (pb.InferenceServiceClient, io.Closer, error) {
	c, err := pb.Dial(target)
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

func NewServer(registry *config.Registry, recorder *usage.Recorder) *Server {
	s := &Server{
		registry: registry,
		recorder: recorder,
		dial:     defaultDial,
		forward:  &http.Client{Timeout: backend.CollectTimeout},
		clients:  make(map[string]pb.InferenceServiceClient),
		counters: make(map[string]*backend.Counter),
	}
	s.newStream = func(model config.Model, requestID string, params backend.GenParams) (*backend.StreamClient, error) {
		return backend.NewStreamClient(model, requestID, params)
	}
	return s
}

// WithStreamFactory and WithDialer override backend wiring; used by tests.
func (s *Server) WithStreamFactory(f StreamFactory) *Server { s.newStream = f; return s }
func (s *Server) WithDialer(d DialFunc) *Server             { s.dial = d; return s }

// client returns a cached unary client for the address, dialing on first use.
func (s *Server) client(addr string) (pb.InferenceServiceClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[addr]; ok {
		return c, nil
	}
	c, _, err := s.dial(addr)
	if err != nil {
		return nil, err
	}
	s.clients[addr] = c
	return c, nil
}

// counter returns the token counter colocated with the model's backend.
func (s *Server) counter(model config.Model) (*backend.Counter, error) {
	addr := model.Addr()
	s.mu.Lock()
	if c, ok := s.counters[addr]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	client, err := s.client(addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[addr]; ok {
		return c, nil
	}
	c := backend.NewCounter(client)
	s.counters[addr] = c
	return c, nil
}

// Register mounts the /v1 surface with per-route scope requirements.
func (s *Server) Register(r *mux.Router) {
	r.Handle("/v1/models", instrument("models",
		middleware.Require(auth.ScopeModelsRead)(http.HandlerFunc(s.handleModels)))).Methods("GET")
	r.Handle("/v1/chat/completions", instrument("chat",
		middleware.Require(auth.ScopeChat)(http.HandlerFunc(s.handleChatCompletions)))).Methods("POST")
	r.Handle("/v1/embeddings", instrument("embeddings",
		middleware.Require(auth.ScopeEmbeddings)(http.HandlerFunc(s.handleEmbeddings)))).Methods("POST")
	r.Handle("/v1/audio/transcriptions", instrument("audio",
		middleware.Require(auth.ScopeAudio)(http.HandlerFunc(s.handleTranscriptions)))).Methods("POST")
}

// now is stubbed in tests.
var now = time.Now
