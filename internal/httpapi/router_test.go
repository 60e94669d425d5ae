package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/ai"
	"github.com/suPer8Hu/colorific/internal/auth"
	"github.com/suPer8Hu/colorific/internal/config"
	"github.com/suPer8Hu/colorific/internal/db"
	"github.com/suPer8Hu/colorific/internal/httpapi/handlers"
	"github.com/suPer8Hu/colorific/internal/notify"
	"github.com/suPer8Hu/colorific/internal/queue"
	"github.com/suPer8Hu/colorific/internal/worker"
	"gorm.io/gorm"
)

const (
	jwtSecret    = "test-jwt"
	workerSecret = "worker-token"
	cronSecret   = "cron-token"
)

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req ai.GenerationRequest) (ai.GenerationResult, error) {
	_ = ctx
	return ai.GenerationResult{OutputURL: req.InputURL + ".page.png"}, nil
}

type env struct {
	gdb    *gorm.DB
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	gdb, err := gorm.Open(gormsqlite.Open(dsn), db.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := queue.Migrate(gdb); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := config.Config{
		JWTSecret:         jwtSecret,
		WorkerSecretToken: workerSecret,
		CronSecret:        cronSecret,
	}
	repo := queue.NewRepo(gdb)
	svc := queue.NewService(repo, nil)
	d := worker.NewDispatcher(repo, stubGenerator{}, worker.Config{WorkerID: "test", BatchSize: 10})
	h := handlers.NewHandler(cfg, svc, d, nil)
	return &env{gdb: gdb, router: NewRouter(h, nil)}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.SignJWT(userID, jwtSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok
}

func (e *env) do(method, path, authz string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"details"`
}

type createdBody struct {
	JobID      string `json:"jobId"`
	QueueJobID string `json:"queueJobId"`
}

func (e *env) createJob(t *testing.T, user, input string) createdBody {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/jobs", bearer(t, user), map[string]string{"inputUrl": input, "style": "cartoon"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create job: %d %s", w.Code, w.Body.String())
	}
	var out createdBody
	decode(t, w, &out)
	return out
}

func (e *env) failEntry(t *testing.T, id string) {
	t.Helper()
	err := e.gdb.Model(&queue.Entry{}).Where("id = ?", id).Updates(map[string]any{
		"status":        queue.StatusFailed,
		"retry_count":   3,
		"error_message": "boom",
		"active_job_id": nil,
	}).Error
	if err != nil {
		t.Fatalf("fail entry: %v", err)
	}
}

func TestRouter_RejectsMissingOrBadTokens(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		method, path, authz string
	}{
		{http.MethodGet, "/api/v1/queue", ""},
		{http.MethodGet, "/api/v1/queue", "Bearer not-a-jwt"},
		{http.MethodPost, "/api/v1/queue", ""},
		{http.MethodPost, "/api/v1/worker", ""},
		{http.MethodPost, "/api/v1/worker", "Bearer wrong"},
		{http.MethodGet, "/api/cron/process-queue", "Bearer " + workerSecret},
		{http.MethodPost, "/api/cron/process-queue", ""},
	}
	for _, tt := range tests {
		w := e.do(tt.method, tt.path, tt.authz, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tt.method, tt.path, w.Code)
		}
		var body errorBody
		decode(t, w, &body)
		if body.Error != "Unauthorized" {
			t.Fatalf("%s %s: unexpected body %q", tt.method, tt.path, w.Body.String())
		}
	}
}

func TestRouter_ListQueue(t *testing.T) {
	e := newEnv(t)
	a1 := e.createJob(t, "user-a", "https://cdn/1.jpg")
	e.createJob(t, "user-a", "https://cdn/2.jpg")
	e.createJob(t, "user-b", "https://cdn/3.jpg")
	e.failEntry(t, a1.QueueJobID)

	w := e.do(http.MethodGet, "/api/v1/queue?limit=500", bearer(t, "user-a"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var ov queue.Overview
	decode(t, w, &ov)

	st := ov.Statistics
	if st.Total != 2 || st.Pending != 1 || st.Failed != 1 {
		t.Fatalf("unexpected statistics %+v", st)
	}
	if st.Pending+st.Processing+st.Completed+st.Failed+st.Retrying != st.Total {
		t.Fatalf("statistics do not add up: %+v", st)
	}
	if ov.Pagination.Limit != queue.MaxLimit || ov.Pagination.Total != 2 {
		t.Fatalf("unexpected pagination %+v", ov.Pagination)
	}
	if len(ov.QueueJobs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ov.QueueJobs))
	}
	for _, q := range ov.QueueJobs {
		if q.UserID != "user-a" || q.Job == nil || q.Job.InputURL == "" {
			t.Fatalf("unexpected entry %+v", q)
		}
	}

	w = e.do(http.MethodGet, "/api/v1/queue?status=failed", bearer(t, "user-a"), nil)
	decode(t, w, &ov)
	if len(ov.QueueJobs) != 1 || ov.QueueJobs[0].ID != a1.QueueJobID || ov.Pagination.Total != 1 {
		t.Fatalf("unexpected filtered page %+v", ov)
	}

	w = e.do(http.MethodGet, "/api/v1/queue?status=bogus", bearer(t, "user-a"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", w.Code)
	}
	var body errorBody
	decode(t, w, &body)
	if body.Error != "Invalid request" || len(body.Details) != 1 || body.Details[0].Field != "status" {
		t.Fatalf("unexpected validation body %s", w.Body.String())
	}
}

func TestRouter_RetryValidation(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/api/v1/queue", bearer(t, "user-a"), map[string]string{"action": "delete"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body errorBody
	decode(t, w, &body)
	fields := map[string]bool{}
	for _, d := range body.Details {
		fields[d.Field] = true
	}
	if body.Error != "Invalid request" || !fields["queueJobId"] || !fields["action"] {
		t.Fatalf("unexpected validation body %s", w.Body.String())
	}
}

func TestRouter_RetryOwnership(t *testing.T) {
	e := newEnv(t)
	a := e.createJob(t, "user-a", "https://cdn/1.jpg")
	e.failEntry(t, a.QueueJobID)
	retry := map[string]string{"queueJobId": a.QueueJobID, "action": "retry"}

	// another user and an unknown id get the same answer
	for _, tc := range []struct {
		user string
		body map[string]string
	}{
		{"user-b", retry},
		{"user-a", map[string]string{"queueJobId": "missing", "action": "retry"}},
	} {
		w := e.do(http.MethodPost, "/api/v1/queue", bearer(t, tc.user), tc.body)
		var body errorBody
		decode(t, w, &body)
		if w.Code != http.StatusBadRequest || body.Error != "Failed to retry job" {
			t.Fatalf("%s: expected generic retry failure, got %d %s", tc.user, w.Code, w.Body.String())
		}
	}
	var entry queue.Entry
	e.gdb.First(&entry, "id = ?", a.QueueJobID)
	if entry.Status != queue.StatusFailed || entry.RetryCount != 3 {
		t.Fatalf("foreign retry changed the entry: %+v", entry)
	}

	w := e.do(http.MethodPost, "/api/v1/queue", bearer(t, "user-a"), retry)
	if w.Code != http.StatusOK {
		t.Fatalf("owner retry: %d %s", w.Code, w.Body.String())
	}
	var ok struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decode(t, w, &ok)
	if !ok.Success || ok.Message == "" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	e.gdb.First(&entry, "id = ?", a.QueueJobID)
	if entry.Status != queue.StatusPending || entry.RetryCount != 0 || entry.ErrorMessage != nil {
		t.Fatalf("unexpected reset entry %+v", entry)
	}

	// pending entries are not retryable
	w = e.do(http.MethodPost, "/api/v1/queue", bearer(t, "user-a"), retry)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for pending entry, got %d", w.Code)
	}
}

func TestRouter_Jobs(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/api/v1/jobs", bearer(t, "user-a"), map[string]string{"inputUrl": "not a url"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad url, got %d", w.Code)
	}

	a := e.createJob(t, "user-a", "https://cdn/1.jpg")
	w = e.do(http.MethodGet, "/api/v1/jobs/"+a.JobID, bearer(t, "user-a"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get own job: %d", w.Code)
	}
	var j queue.Job
	decode(t, w, &j)
	if j.ID != a.JobID || j.Status != queue.JobPending || j.Style != "cartoon" {
		t.Fatalf("unexpected job %+v", j)
	}

	if w := e.do(http.MethodGet, "/api/v1/jobs/"+a.JobID, bearer(t, "user-b"), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's job, got %d", w.Code)
	}
}

func TestRouter_Worker(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/api/v1/worker", "", nil)
	var health map[string]string
	decode(t, w, &health)
	if w.Code != http.StatusOK || health["status"] != "healthy" || health["worker"] != "ready" {
		t.Fatalf("unexpected health %d %v", w.Code, health)
	}

	token := "Bearer " + workerSecret
	a := e.createJob(t, "user-a", "https://cdn/1.jpg")
	e.createJob(t, "user-b", "https://cdn/2.jpg")

	w = e.do(http.MethodPost, "/api/v1/worker", token, map[string]string{"action": "process-queue"})
	if w.Code != http.StatusOK {
		t.Fatalf("process-queue: %d %s", w.Code, w.Body.String())
	}
	var sum struct {
		Success   bool `json:"success"`
		Processed int  `json:"processed"`
		Succeeded int  `json:"succeeded"`
	}
	decode(t, w, &sum)
	if !sum.Success || sum.Processed != 2 || sum.Succeeded != 2 {
		t.Fatalf("unexpected summary %s", w.Body.String())
	}

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown action", map[string]string{"action": "explode"}, http.StatusBadRequest},
		{"missing job id", map[string]string{"action": "process-single"}, http.StatusBadRequest},
		{"job without entry", map[string]string{"action": "process-single", "jobId": "missing"}, http.StatusNotFound},
		{"reprocess completed job", map[string]string{"action": "process-single", "jobId": a.JobID}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/api/v1/worker", token, tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRouter_WorkerSingleConflict(t *testing.T) {
	e := newEnv(t)
	a := e.createJob(t, "user-a", "https://cdn/1.jpg")
	repo := queue.NewRepo(e.gdb)
	if _, err := repo.ClaimNextEligible(context.Background(), "elsewhere"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	w := e.do(http.MethodPost, "/api/v1/worker", "Bearer "+workerSecret, map[string]string{"action": "process-single", "jobId": a.JobID})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_Cron(t *testing.T) {
	e := newEnv(t)
	e.createJob(t, "user-a", "https://cdn/1.jpg")

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w := e.do(method, "/api/cron/process-queue", "Bearer "+cronSecret, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", method, w.Code, w.Body.String())
		}
		var sum map[string]any
		decode(t, w, &sum)
		if sum["success"] != true {
			t.Fatalf("%s: unexpected body %v", method, sum)
		}
	}
}

func TestRouter_NotFound(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/nope", "", nil)
	var body errorBody
	decode(t, w, &body)
	if w.Code != http.StatusNotFound || body.Error == "" {
		t.Fatalf("unexpected %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_QueryTokenOnlyForQueueEvents(t *testing.T) {
	e := newEnv(t)
	tok, err := auth.SignJWT("user-a", jwtSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if w := e.do(http.MethodGet, "/api/v1/queue?access_token="+tok, "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected query token to be refused on the queue list, got %d", w.Code)
	}
	// authenticated, but there is no live event feed in this setup
	if w := e.do(http.MethodGet, "/api/v1/queue/ws?access_token="+tok, "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without an event feed, got %d", w.Code)
	}
}

func TestRouter_QueueEventsUnavailableUntilHubReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := handlers.NewHandler(config.Config{JWTSecret: jwtSecret}, nil, nil, notify.NewHub())
	r := NewRouter(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/ws", nil)
	req.Header.Set("Authorization", bearer(t, "user-a"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body errorBody
	decode(t, w, &body)
	if w.Code != http.StatusServiceUnavailable || body.Error == "" {
		t.Fatalf("expected 503 from a hub without a subscription, got %d %s", w.Code, w.Body.String())
	}
}
