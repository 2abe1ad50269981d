package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/docqa-agent/internal/api/handlers"
	"github.com/alqutdigital/docqa-agent/internal/api/middleware"
	"github.com/alqutdigital/docqa-agent/internal/chunker"
	"github.com/alqutdigital/docqa-agent/internal/embedder"
	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/alqutdigital/docqa-agent/internal/processor"
	"github.com/alqutdigital/docqa-agent/internal/rag"
	"github.com/alqutdigital/docqa-agent/internal/realtime"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/alqutdigital/docqa-agent/pkg/logger"
)

const sampleText = "Refunds are issued within fourteen days. Shipping is free above fifty euros. " +
	"Returns must be unused. Support answers within one business day."

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	store *storage.MemoryStore
	hub   *realtime.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := testLogger()
	store := storage.NewMemoryStore()
	emb := embedder.NewWithBackend(embedder.NewHashBackend(32), embedder.DefaultConfig(), log)

	pipeline := ingest.NewPipeline(ingest.Dependencies{
		Store:     store,
		Extractor: processor.NewExtractor(processor.DefaultExtractorConfig(), &logger.Logger{Logger: log}),
		Chunker:   chunker.NewChunker(chunker.DefaultChunkerConfig(), log),
		Embedder:  emb,
	}, ingest.DefaultConfig(), log)

	scorer := rag.NewScorer(store, nil, emb, nil, log, rag.DefaultScorerConfig())
	chat := rag.NewService(store, scorer, nil, nil, log, rag.DefaultChatConfig())
	hub := realtime.NewHub(realtime.DefaultWSConfig(), log)

	router := NewRouter(Dependencies{
		Logger:       log,
		Store:        store,
		Pipeline:     pipeline,
		ChatService:  chat,
		ProgressSink: hub,
		WSHub:        hub,
		HealthChecks: map[string]handlers.HealthChecker{
			"store":          handlers.CheckFunc(store.Ping),
			"object_storage": nil,
		},
	}, DefaultRouterConfig())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, session string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(middleware.SessionHeader, session)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) upload(t *testing.T, session, filename, text string) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return s.do(t, http.MethodPost, "/api/v1/documents", session, body, mw.FormDataContentType())
}

func TestRouter_DocumentAndChatFlow(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.upload(t, "", "faq.txt", sampleText)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := resp.Header.Get(middleware.SessionHeader)
	require.NotEmpty(t, session, "session header must be echoed")

	var uploaded struct {
		Document storage.Document `json:"document"`
		Chunks   int              `json:"chunks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	assert.Equal(t, "faq.txt", uploaded.Document.Filename)
	assert.Positive(t, uploaded.Chunks)

	list := srv.do(t, http.MethodGet, "/api/v1/documents", session, nil, "")
	require.Equal(t, http.StatusOK, list.StatusCode)
	var docs handlers.DocumentsResponse
	require.NoError(t, json.NewDecoder(list.Body).Decode(&docs))
	require.Len(t, docs.Documents, 1)

	other := srv.do(t, http.MethodGet, "/api/v1/documents", "", nil, "")
	var otherDocs handlers.DocumentsResponse
	require.NoError(t, json.NewDecoder(other.Body).Decode(&otherDocs))
	assert.Empty(t, otherDocs.Documents, "a new session sees nothing")

	chat := srv.do(t, http.MethodPost, "/api/v1/chat", session, strings.NewReader(`{"message":"How long do refunds take?"}`), "application/json")
	require.Equal(t, http.StatusOK, chat.StatusCode)
	var answer struct {
		Response string                 `json:"response"`
		Sources  []rag.SimilarityResult `json:"sources"`
	}
	require.NoError(t, json.NewDecoder(chat.Body).Decode(&answer))
	assert.Equal(t, rag.MsgNotConfigured, answer.Response)
	assert.NotNil(t, answer.Sources)

	history := srv.do(t, http.MethodGet, "/api/v1/chat", session, nil, "")
	var hist handlers.HistoryResponse
	require.NoError(t, json.NewDecoder(history.Body).Decode(&hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, storage.RoleUser, hist.Messages[0].Role)
	assert.Equal(t, storage.RoleAssistant, hist.Messages[1].Role)

	del := srv.do(t, http.MethodDelete, "/api/v1/documents/"+uploaded.Document.ID.String(), session, nil, "")
	assert.Equal(t, http.StatusOK, del.StatusCode)

	again := srv.do(t, http.MethodDelete, "/api/v1/documents/"+uploaded.Document.ID.String(), session, nil, "")
	assert.Equal(t, http.StatusNotFound, again.StatusCode)

	noDocs := srv.do(t, http.MethodPost, "/api/v1/chat", session, strings.NewReader(`{"message":"anything left?"}`), "application/json")
	require.NoError(t, json.NewDecoder(noDocs.Body).Decode(&answer))
	assert.Equal(t, rag.MsgNoDocuments, answer.Response)
}

func TestRouter_UploadRejected(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.upload(t, "", "image.png", "not a document")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	var body handlers.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, ingest.MsgUnsupportedType, body.Error.Message)
}

func TestRouter_ProgressOverWebSocket(t *testing.T) {
	srv := newTestServer(t)

	first := srv.do(t, http.MethodGet, "/api/v1/session", "", nil, "")
	session := first.Header.Get(middleware.SessionHeader)
	require.NotEmpty(t, session)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=" + session
	conn, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if wsResp != nil && wsResp.Body != nil {
		wsResp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return srv.hub.ClientCount(session) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := srv.upload(t, session, "faq.txt", sampleText)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var stages []ingest.Stage
	last := -1
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var event realtime.ProgressEvent
		require.NoError(t, conn.ReadJSON(&event))

		assert.GreaterOrEqual(t, event.Progress.Progress, last, "progress must not decrease")
		last = event.Progress.Progress
		stages = append(stages, event.Stage)
		if event.Stage.Terminal() {
			break
		}
	}

	assert.Equal(t, ingest.StageUploading, stages[0])
	assert.Equal(t, ingest.StageComplete, stages[len(stages)-1])
	assert.Equal(t, 100, last)
}

func TestRouter_HealthAndCORS(t *testing.T) {
	srv := newTestServer(t)

	health := srv.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, health.StatusCode)
	var status handlers.HealthStatus
	require.NoError(t, json.NewDecoder(health.Body).Decode(&status))
	assert.Equal(t, handlers.StatusHealthy, status.Components["store"].Status)
	assert.Equal(t, handlers.StatusDisabled, status.Components["object_storage"].Status)
	assert.Empty(t, health.Header.Get(middleware.SessionHeader), "health checks do not create sessions")

	ready := srv.do(t, http.MethodGet, "/ready", "", nil, "")
	assert.Equal(t, http.StatusOK, ready.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", middleware.SessionHeader)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer preflight.Body.Close()
	assert.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
}
