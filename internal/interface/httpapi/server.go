package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auroracast/briefing/internal/core/worker"
)

// runTimeout は非同期実行1回あたりの上限時間
const runTimeout = 30 * time.Minute

// Runner はワーカーの実行操作を表します
type Runner interface {
	// RunBatch は適格なジョブをバッチ処理し、処理した件数を返します
	RunBatch(ctx context.Context) (int, error)

	// RunOne は指定されたジョブを強制的に処理します
	RunOne(ctx context.Context, jobID uuid.UUID) error
}

var _ Runner = (*worker.Coordinator)(nil)

// Server はワーカーのトリガーAPIを提供します
// 実行はリクエストから切り離されたゴルーチンで行い、202を即座に返します
type Server struct {
	runner    Runner
	authToken string
	logger    *slog.Logger
}

// New は新しいServerを作成します
func New(runner Runner, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:    runner,
		authToken: authToken,
		logger:    logger,
	}
}

// Handler はHTTPハンドラを返します
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/worker/run", s.handleRun)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// runRequest はワーカー実行リクエストのボディ
// job_idを指定すると対象ジョブのみを処理します
type runRequest struct {
	JobID string `json:"job_id"`
}

type runResponse struct {
	RequestID string `json:"request_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	var req runRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	var jobID *uuid.UUID
	if req.JobID != "" {
		parsed, err := uuid.Parse(req.JobID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job_id"})
			return
		}
		jobID = &parsed
	}

	requestID := uuid.NewString()
	log := s.logger.With("request_id", requestID)

	// リクエストのコンテキストはレスポンス返却で打ち切られるため、
	// 実行には独立したコンテキストを使う
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		ctx = worker.WithRequestID(ctx, requestID)

		if jobID != nil {
			if err := s.runner.RunOne(ctx, *jobID); err != nil {
				log.Error("worker run failed", "job_id", *jobID, "error", err)
			}
			return
		}

		processed, err := s.runner.RunBatch(ctx)
		if err != nil {
			log.Error("worker batch failed", "error", err)
			return
		}
		log.Info("worker batch finished", "processed", processed)
	}()

	writeJSON(w, http.StatusAccepted, runResponse{RequestID: requestID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized は共有シークレットとのBearerトークン照合を行います
// シークレット未設定のサーバーはすべての実行要求を拒否します
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
