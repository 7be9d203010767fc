// Package mockllm runs a local OpenAI-compatible completion server with
// configurable first-token delay, inter-token delay, error injection and
// a capacity limit, so harness behavior under load can be exercised
// without a GPU.
package mockllm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ServerConfig struct {
	Port  int
	Model string

	TTFT       time.Duration // delay before the first token
	InterToken time.Duration // delay between tokens
	Jitter     float64       // +/- fraction applied to both delays

	ErrorRate float64 // fraction of requests answered with HTTP 500

	// Capacity limits accepted requests per second; excess requests get
	// HTTP 429 like a saturated serving backend. 0 = unlimited.
	Capacity float64

	Seed int64
}

type completionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
}

// Server implements the slice of the OpenAI completion API the harness
// exercises: /v1/completions (streaming and not) and /v1/models.
type Server struct {
	cfg     ServerConfig
	limiter *rate.Limiter
	log     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg ServerConfig) *Server {
	if cfg.Model == "" {
		cfg.Model = "mock-model"
	}
	if cfg.TTFT <= 0 {
		cfg.TTFT = 30 * time.Millisecond
	}
	if cfg.InterToken <= 0 {
		cfg.InterToken = 10 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Server{
		cfg: cfg,
		log: slog.Default().With("component", "mockllm"),
		rng: rand.New(rand.NewSource(seed)),
	}
	if cfg.Capacity > 0 {
		burst := int(cfg.Capacity)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Capacity), burst)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/completions", s.handleCompletions)
	return mux
}

// ListenAndServe blocks serving the mock backend.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info("mock backend listening",
		"addr", addr,
		"model", s.cfg.Model,
		"ttft", s.cfg.TTFT,
		"inter_token", s.cfg.InterToken,
		"error_rate", s.cfg.ErrorRate,
		"capacity", s.cfg.Capacity,
	)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	return srv.ListenAndServe()
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"object":"list","data":[{"id":%q,"object":"model"}]}`, s.cfg.Model)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "saturated", http.StatusTooManyRequests)
		return
	}
	if s.roll() < s.cfg.ErrorRate {
		http.Error(w, "injected backend error", http.StatusInternalServerError)
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = 16
	}

	if req.Stream {
		s.streamCompletion(w, r, tokens)
		return
	}
	s.unaryCompletion(w, r, tokens)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, tokens int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	if !s.sleep(r, s.cfg.TTFT) {
		return
	}
	for i := 0; i < tokens; i++ {
		if i > 0 && !s.sleep(r, s.cfg.InterToken) {
			return
		}
		finish := "null"
		if i == tokens-1 {
			finish = `"stop"`
		}
		fmt.Fprintf(w, "data: {\"model\":%q,\"choices\":[{\"text\":\"tok \",\"index\":0,\"finish_reason\":%s}]}\n\n", s.cfg.Model, finish)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) unaryCompletion(w http.ResponseWriter, r *http.Request, tokens int) {
	total := s.cfg.TTFT + time.Duration(tokens-1)*s.cfg.InterToken
	if !s.sleep(r, total) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	text := strings.TrimRight(strings.Repeat("tok ", tokens), " ")
	fmt.Fprintf(w,
		`{"model":%q,"choices":[{"text":%q,"index":0,"finish_reason":"stop"}],"usage":{"completion_tokens":%d}}`,
		s.cfg.Model, text, tokens,
	)
}

// sleep applies jitter and honors client disconnects.
func (s *Server) sleep(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	if s.cfg.Jitter > 0 {
		f := 1 + s.cfg.Jitter*(2*s.roll()-1)
		if f < 0 {
			f = 0
		}
		d = time.Duration(float64(d) * f)
	}
	select {
	case <-r.Context().Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Server) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
