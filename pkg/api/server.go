package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/approval"
	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/observability"
	"github.com/Mindburn-Labs/autofix/pkg/store/ledger"
)

const (
	maxBodyBytes          = 1 << 20
	defaultProcessTimeout = 2 * time.Minute
	telegramSecretHeader  = "X-Telegram-Bot-Api-Secret-Token"
)

// FailureHandler diagnoses a failure event.
type FailureHandler interface {
	HandleFailure(ctx context.Context, ev contracts.FailureEvent) (*contracts.LedgerRecord, error)
}

// DecisionHandler processes an operator decision.
type DecisionHandler interface {
	Handle(ctx context.Context, ev contracts.ApprovalEvent) (approval.Outcome, error)
}

// RecordReader is the read side of the ledger.
type RecordReader interface {
	FindByExecutionID(ctx context.Context, executionID string) (contracts.LedgerRecord, error)
	List(ctx context.Context, limit int) ([]contracts.LedgerRecord, error)
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

type ServerConfig struct {
	Failures  FailureHandler
	Decisions DecisionHandler
	Records   RecordReader

	// TelegramSecret must match the secret-token header when set.
	TelegramSecret string
	// AllowedChatID drops callbacks from any other chat when set.
	AllowedChatID string
	// ProcessTimeout bounds the background work of one event.
	ProcessTimeout time.Duration

	// ProtectTrigger and ProtectRecords guard their routes when set.
	ProtectTrigger Middleware
	ProtectRecords Middleware
	Limiter        *RateLimiter
	Telemetry      *observability.Provider
	Logger         *slog.Logger
}

// Server accepts events, answers at once, and processes them in the
// background. Shutdown waits for in-flight work.
type Server struct {
	cfg  ServerConfig
	log  *slog.Logger
	mux  *http.ServeMux
	wg   sync.WaitGroup
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	draining bool
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, log: logger, mux: http.NewServeMux(), base: base, stop: stop}

	s.route("GET /health", "/health", http.HandlerFunc(s.handleHealth))
	s.route("POST /webhook/auto-debugger", "/webhook/auto-debugger",
		s.limited(s.guard(cfg.ProtectTrigger, http.HandlerFunc(s.handleFailure))))
	s.route("POST /webhook/telegram", "/webhook/telegram",
		s.limited(http.HandlerFunc(s.handleTelegram)))
	s.route("GET /api/v1/records", "/api/v1/records",
		s.guard(cfg.ProtectRecords, http.HandlerFunc(s.handleListRecords)))
	s.route("GET /api/v1/records/{executionID}", "/api/v1/records/{executionID}",
		s.guard(cfg.ProtectRecords, http.HandlerFunc(s.handleGetRecord)))
	return s
}

func (s *Server) route(pattern, name string, h http.Handler) {
	if s.cfg.Telemetry != nil {
		h = s.cfg.Telemetry.HTTPMiddleware(name, h)
	}
	s.mux.Handle(pattern, h)
}

func (s *Server) guard(mw Middleware, h http.Handler) http.Handler {
	if mw == nil {
		return h
	}
	return mw(h)
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return h
	}
	return s.cfg.Limiter.Middleware(h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Shutdown stops accepting background work and waits for in-flight events
// until ctx is done, then cancels them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}

// spawn runs fn in the background with a bounded context. It reports false
// when the server is draining.
func (s *Server) spawn(name string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(s.base, s.cfg.ProcessTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Failures == nil {
		WriteServiceUnavailable(w, "diagnosis is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var ev contracts.FailureEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		WriteBadRequest(w, "Invalid failure event body")
		return
	}
	if err := ev.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	ok := s.spawn("failure", func(ctx context.Context) {
		if _, err := s.cfg.Failures.HandleFailure(ctx, ev); err != nil {
			s.log.Warn("failure event not processed", "execution_id", ev.ExecutionID, "error", err)
		}
	})
	if !ok {
		WriteServiceUnavailable(w, "server is shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "execution_id": ev.ExecutionID})
}

// telegramUpdate is the subset of a Bot API update the webhook reads.
type telegramUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			MessageID int64 `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TelegramSecret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.TelegramSecret)) != 1 {
			WriteUnauthorized(w, "Invalid webhook secret")
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var upd telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		WriteBadRequest(w, "Invalid update body")
		return
	}

	// Telegram retries anything but 2xx, so everything below answers 200.
	ev, ok := s.approvalEvent(upd)
	if ok && s.cfg.Decisions != nil {
		if !s.spawn("decision", func(ctx context.Context) {
			out, err := s.cfg.Decisions.Handle(ctx, ev)
			if err != nil {
				s.log.Error("decision failed", "execution_id", ev.ExecutionID, "error", err)
				return
			}
			s.log.Info("decision handled", "execution_id", ev.ExecutionID, "outcome", out)
		}) {
			WriteServiceUnavailable(w, "server is shutting down")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) approvalEvent(upd telegramUpdate) (contracts.ApprovalEvent, bool) {
	cq := upd.CallbackQuery
	if cq == nil {
		return contracts.ApprovalEvent{}, false
	}
	decision, executionID, err := approval.ParseCallback(cq.Data)
	if err != nil {
		s.log.Info("ignoring callback", "update_id", upd.UpdateID, "error", err)
		return contracts.ApprovalEvent{}, false
	}
	ev := contracts.ApprovalEvent{
		ExecutionID: executionID,
		Decision:    decision,
		AckToken:    cq.ID,
	}
	if cq.Message != nil {
		ev.ChatID = strconv.FormatInt(cq.Message.Chat.ID, 10)
		ev.MessageID = cq.Message.MessageID
	}
	if s.cfg.AllowedChatID != "" && ev.ChatID != s.cfg.AllowedChatID {
		s.log.Warn("ignoring callback from unexpected chat", "chat_id", ev.ChatID)
		return contracts.ApprovalEvent{}, false
	}
	return ev, true
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Records == nil {
		WriteServiceUnavailable(w, "ledger is not configured")
		return
	}
	id := r.PathValue("executionID")
	rec, err := s.cfg.Records.FindByExecutionID(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no record for execution "+id)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Records == nil {
		WriteServiceUnavailable(w, "ledger is not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.cfg.Records.List(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if recs == nil {
		recs = []contracts.LedgerRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
