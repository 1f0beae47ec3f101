package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/answer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/answer-module/internal/attachment"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/pipeline"
	"github.com/bigkaa/goartstore/answer-module/internal/service"
	"github.com/bigkaa/goartstore/answer-module/internal/storage"
	"github.com/bigkaa/goartstore/answer-module/internal/strike"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockSubmitter — Submitter с подменяемыми функциями.
type mockSubmitter struct {
	eligibleFn func(ctx context.Context, authorID string) error
	submitFn   func(ctx context.Context, req model.SubmissionRequest) (*service.SubmitResult, error)
	last       model.SubmissionRequest
	calls      int
}

func (m *mockSubmitter) CheckEligibility(ctx context.Context, authorID string) error {
	if m.eligibleFn != nil {
		return m.eligibleFn(ctx, authorID)
	}
	return nil
}

func (m *mockSubmitter) Submit(ctx context.Context, req model.SubmissionRequest) (*service.SubmitResult, error) {
	m.calls++
	m.last = req
	if m.submitFn != nil {
		return m.submitFn(ctx, req)
	}
	return &service.SubmitResult{Answer: &model.Answer{
		ID:         "a-1",
		QuestionID: req.QuestionID,
		AuthorID:   req.AuthorID,
		Body:       req.Body,
		CreatedAt:  time.Now().UTC(),
	}}, nil
}

// mockReader — AnswerReader с подменяемыми функциями.
type mockReader struct {
	getFn  func(ctx context.Context, id string) (*model.Answer, error)
	listFn func(ctx context.Context, questionID string, limit, offset int) (*service.AnswerPage, error)
}

func (m *mockReader) Get(ctx context.Context, id string) (*model.Answer, error) {
	return m.getFn(ctx, id)
}

func (m *mockReader) ListByQuestion(ctx context.Context, questionID string, limit, offset int) (*service.AnswerPage, error) {
	return m.listFn(ctx, questionID, limit, offset)
}

// mockOpener — AttachmentOpener поверх карты содержимого.
type mockOpener struct {
	objects map[string][]byte
	err     error
}

func (m *mockOpener) Open(_ context.Context, name string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), &storage.ObjectInfo{Size: int64(len(data))}, nil
}

type testEnv struct {
	router    http.Handler
	submitter *mockSubmitter
	reader    *mockReader
	opener    *mockOpener
	ledger    *strike.MemoryLedger
}

func newTestEnv(t *testing.T, subject string) *testEnv {
	t.Helper()

	env := &testEnv{
		submitter: &mockSubmitter{},
		reader:    &mockReader{},
		opener:    &mockOpener{objects: map[string][]byte{}},
		ledger:    strike.NewMemoryLedger(strike.Policy{Threshold: 1, Window: time.Hour, SuspensionDuration: time.Hour}, testLogger()),
	}

	policy := attachment.DefaultPolicy()
	policy.MaxFileSize = 1024
	policy.MaxFiles = 3
	api := NewAPIHandler(
		NewHealthHandler(),
		NewAnswersHandler(env.submitter, env.reader, policy, 100, testLogger()),
		NewUploadsHandler(env.opener, testLogger()),
		NewStrikesHandler(env.ledger, testLogger()),
		"/uploads",
	)

	r := chi.NewRouter()
	if subject != "" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := middleware.WithClaims(req.Context(), &middleware.AuthClaims{Subject: subject})
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
	}
	api.Register(r)
	env.router = r
	return env
}

// formFile — файл multipart-формы.
type formFile struct {
	field, name, mimeType string
	content               []byte
}

func buildForm(t *testing.T, fields map[string]string, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+f.field+`"; filename="`+f.name+`"`)
		h.Set("Content-Type", f.mimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(f.content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ошибки не JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestCreateAnswer_Created(t *testing.T) {
	env := newTestEnv(t, "user-1")

	body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "Ответ"},
		formFile{"first", "a.png", "image/png", []byte("png-data")},
		formFile{"second", "b.pdf", "application/pdf", []byte("pdf-data")},
		formFile{"first", "c.jpg", "image/jpeg", []byte("jpg")},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидался статус 201, получен %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/answers/a-1" {
		t.Errorf("неожиданный Location: %q", loc)
	}

	got := env.submitter.last
	if got.AuthorID != "user-1" || got.QuestionID != "q-1" || got.Body != "Ответ" || got.IdempotencyKey != "key-1" {
		t.Errorf("неожиданная заявка: %+v", got)
	}
	wantNames := []string{"a.png", "b.pdf", "c.jpg"}
	if len(got.Files) != len(wantNames) {
		t.Fatalf("ожидалось %d файлов, получено %d", len(wantNames), len(got.Files))
	}
	for i, name := range wantNames {
		if got.Files[i].OriginalName != name {
			t.Errorf("файл #%d: ожидалось %s, получено %s", i, name, got.Files[i].OriginalName)
		}
	}
	if got.Files[1].DeclaredMIMEType != "application/pdf" || got.Files[1].Size != int64(len("pdf-data")) {
		t.Errorf("неожиданные атрибуты файла: %+v", got.Files[1])
	}
	rc, err := got.Files[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "png-data" {
		t.Errorf("неожиданное содержимое: %q", data)
	}
}

func TestCreateAnswer_OversizedFileCounted(t *testing.T) {
	env := newTestEnv(t, "user-1")

	big := bytes.Repeat([]byte("x"), 3000)
	body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "Ответ"},
		formFile{"file", "big.png", "image/png", big},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидался статус 201, получен %d", rec.Code)
	}
	f := env.submitter.last.Files[0]
	if f.Size != 3000 {
		t.Errorf("ожидался размер 3000, получен %d", f.Size)
	}
	if _, err := f.Open(); err == nil {
		t.Error("содержимое слишком большого файла не должно буферизоваться")
	}
}

// countingReader считает байты, прочитанные из тела запроса.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestCreateAnswer_SuspendedBeforeBodyRead(t *testing.T) {
	env := newTestEnv(t, "user-1")
	until := time.Now().Add(time.Hour).UTC()
	var checked string
	env.submitter.eligibleFn = func(_ context.Context, authorID string) error {
		checked = authorID
		return &service.SubmissionError{
			Outcome: pipeline.StageSuspended, Stage: pipeline.StageCheckingEligibility,
			StatusCode: http.StatusForbidden, Code: "SUSPENDED", Message: "заблокирован", SuspendedUntil: &until,
		}
	}

	body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "Ответ"},
		formFile{"f", "a.png", "image/png", bytes.Repeat([]byte("x"), 1000)},
		formFile{"f", "b.png", "image/png", bytes.Repeat([]byte("y"), 1000)},
	)
	counter := &countingReader{r: body}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", counter)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("ожидался статус 403, получен %d", rec.Code)
	}
	if decodeError(t, rec)["code"] != "SUSPENDED" {
		t.Error("ожидался код SUSPENDED")
	}
	if checked != "user-1" {
		t.Errorf("блокировка проверена не для автора запроса: %q", checked)
	}
	if counter.n != 0 {
		t.Errorf("тело запроса не должно читаться до проверки блокировки, прочитано %d байт", counter.n)
	}
	if env.submitter.calls != 0 {
		t.Error("заявка заблокированного автора не должна попасть в конвейер")
	}
}

func TestCreateAnswer_ExtraFilesNotBuffered(t *testing.T) {
	env := newTestEnv(t, "user-1")

	files := make([]formFile, 0, 5)
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png"} {
		files = append(files, formFile{"f", name, "image/png", []byte("data-" + name)})
	}
	body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "Ответ"}, files...)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	got := env.submitter.last.Files
	if len(got) != 5 {
		t.Fatalf("ожидалось 5 файлов, получено %d", len(got))
	}
	for i, f := range got {
		_, err := f.Open()
		if i < 3 && err != nil {
			t.Errorf("файл #%d в пределах лимита должен буферизоваться: %v", i, err)
		}
		if i >= 3 && err == nil {
			t.Errorf("файл #%d сверх лимита не должен буферизоваться", i)
		}
		if f.Size != int64(len("data-"+f.OriginalName)) {
			t.Errorf("файл #%d: неожиданный размер %d", i, f.Size)
		}
	}
}

func TestCreateAnswer_Replayed(t *testing.T) {
	env := newTestEnv(t, "user-1")
	env.submitter.submitFn = func(_ context.Context, req model.SubmissionRequest) (*service.SubmitResult, error) {
		return &service.SubmitResult{Answer: &model.Answer{ID: "a-0", AuthorID: req.AuthorID}, Replayed: true}, nil
	}

	body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "Ответ"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	var a model.Answer
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil || a.ID != "a-0" {
		t.Errorf("ожидался существующий ответ a-0: %s", rec.Body.String())
	}
}

func TestCreateAnswer_SubmissionErrors(t *testing.T) {
	until := time.Now().Add(time.Hour).UTC()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantRetry  bool
	}{
		{
			name: "suspended",
			err: &service.SubmissionError{
				Outcome: pipeline.StageSuspended, Stage: pipeline.StageCheckingEligibility,
				StatusCode: http.StatusForbidden, Code: "SUSPENDED", Message: "заблокирован", SuspendedUntil: &until,
			},
			wantStatus: http.StatusForbidden,
			wantCode:   "SUSPENDED",
		},
		{
			name: "invalid attachment",
			err: &service.SubmissionError{
				Outcome: pipeline.StageInvalid, Stage: pipeline.StageValidatingAttachments,
				StatusCode: http.StatusBadRequest, Code: "INVALID_ATTACHMENT", Message: "файл отклонён",
				Attachments: []attachment.FileRejection{{Index: 0, Name: "a.exe", Reason: attachment.ReasonUnsupportedType}},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_ATTACHMENT",
		},
		{
			name: "rejected",
			err: &service.SubmissionError{
				Outcome: pipeline.StageRejected, Stage: pipeline.StageModerating,
				StatusCode: http.StatusUnprocessableEntity, Code: "MODERATION_REJECTED",
				Message: "отклонено", Reason: model.ReasonSpamPattern,
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "MODERATION_REJECTED",
		},
		{
			name: "storage failed",
			err: &service.SubmissionError{
				Outcome: pipeline.StageStorageFailed, Stage: pipeline.StageCommitting,
				StatusCode: http.StatusInternalServerError, Code: "STORAGE_FAILED",
				Message: "сбой", Reason: service.ReasonAttachmentWrite, Retryable: true,
				Err: errors.New("disk full"),
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "STORAGE_FAILED",
			wantRetry:  true,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "user-1")
			env.submitter.submitFn = func(context.Context, model.SubmissionRequest) (*service.SubmitResult, error) {
				return nil, tt.err
			}

			body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "Ответ"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("ожидался статус %d, получен %d", tt.wantStatus, rec.Code)
			}
			e := decodeError(t, rec)
			if e["code"] != tt.wantCode {
				t.Errorf("ожидался код %s, получен %v", tt.wantCode, e["code"])
			}
			if (rec.Header().Get("Retry-After") != "") != tt.wantRetry {
				t.Errorf("неожиданный Retry-After: %q", rec.Header().Get("Retry-After"))
			}
			if strings.Contains(rec.Body.String(), "disk full") {
				t.Error("внутренняя ошибка не должна раскрываться клиенту")
			}
		})
	}
}

func TestCreateAnswer_RequestErrors(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		env := newTestEnv(t, "")
		body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "x"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("ожидался статус 401, получен %d", rec.Code)
		}
	})

	t.Run("not multipart", func(t *testing.T) {
		env := newTestEnv(t, "user-1")
		req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", strings.NewReader(`{"body":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("ожидался статус 400, получен %d", rec.Code)
		}
		if env.submitter.calls != 0 {
			t.Error("заявка не должна попасть в конвейер")
		}
	})

	t.Run("body field too large", func(t *testing.T) {
		env := newTestEnv(t, "user-1")
		body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": strings.Repeat("я", 1000)})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("ожидался статус 400, получен %d", rec.Code)
		}
	})

	t.Run("payload too large", func(t *testing.T) {
		env := newTestEnv(t, "user-1")
		body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "x"},
			formFile{"f", "a.png", "image/png", bytes.Repeat([]byte("x"), 2<<20)},
		)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("ожидался статус 413, получен %d", rec.Code)
		}
	})

	t.Run("idempotency key too long", func(t *testing.T) {
		env := newTestEnv(t, "user-1")
		body, ct := buildForm(t, map[string]string{"questionId": "q-1", "body": "x"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set("Idempotency-Key", strings.Repeat("k", 256))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("ожидался статус 400, получен %d", rec.Code)
		}
	})
}

func TestGetAnswer(t *testing.T) {
	env := newTestEnv(t, "user-1")
	env.reader.getFn = func(_ context.Context, id string) (*model.Answer, error) {
		if id == "a-1" {
			return &model.Answer{ID: "a-1", Body: "Ответ"}, nil
		}
		return nil, service.ErrNotFound
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/answers/a-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/answers/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидался статус 404, получен %d", rec.Code)
	}
	if decodeError(t, rec)["code"] != "NOT_FOUND" {
		t.Error("ожидался код NOT_FOUND")
	}
}

func TestListQuestionAnswers(t *testing.T) {
	env := newTestEnv(t, "user-1")
	var gotLimit, gotOffset int
	env.reader.listFn = func(_ context.Context, questionID string, limit, offset int) (*service.AnswerPage, error) {
		gotLimit, gotOffset = limit, offset
		return &service.AnswerPage{
			Items:  []*model.Answer{{ID: "a-1", QuestionID: questionID}},
			Total:  5,
			Limit:  limit,
			Offset: offset,
		}, nil
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/questions/q-1/answers?limit=1&offset=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if gotLimit != 1 || gotOffset != 2 {
		t.Errorf("неожиданная пагинация: limit=%d offset=%d", gotLimit, gotOffset)
	}

	var resp answerListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 5 || !resp.HasMore || len(resp.Items) != 1 {
		t.Errorf("неожиданный ответ: %+v", resp)
	}

	for _, q := range []string{"limit=0", "limit=1001", "limit=abc", "offset=-1"} {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/questions/q-1/answers?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: ожидался статус 400, получен %d", q, rec.Code)
		}
	}
}

func TestListQuestionAnswers_EmptyItems(t *testing.T) {
	env := newTestEnv(t, "user-1")
	env.reader.listFn = func(_ context.Context, _ string, limit, offset int) (*service.AnswerPage, error) {
		return &service.AnswerPage{Limit: limit, Offset: offset}, nil
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/questions/q-9/answers", nil))
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Errorf("ожидался пустой массив items: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"limit":50`) {
		t.Errorf("ожидался limit по умолчанию 50: %s", rec.Body.String())
	}
}

func TestRequestLimit(t *testing.T) {
	p := attachment.UploadPolicy{MaxFileSize: 1000, MaxFiles: 2}
	if got := RequestLimit(p, 10); got != 3*1000+fieldLimit(10)+1<<20 {
		t.Errorf("неожиданный лимит: %d", got)
	}
	p.MaxFiles = 0
	if got := RequestLimit(p, 10); got != 21*1000+fieldLimit(10)+1<<20 {
		t.Errorf("неожиданный лимит без ограничения числа файлов: %d", got)
	}
}
