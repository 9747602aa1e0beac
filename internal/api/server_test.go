package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/service"
	"github.com/jnst/tenantkit/internal/storage"
)

type stubExportService struct {
	createErr error
	created   []string
	lastTC    model.TenantContext
	jobs      map[string]*model.ExportJob
	link      *service.DownloadLink
	linkErr   error
}

func (s *stubExportService) Create(
	_ context.Context, tc model.TenantContext, key string, params *model.CreateExportParams,
) (*model.ExportJob, error) {
	s.lastTC = tc
	if s.createErr != nil {
		return nil, s.createErr
	}

	s.created = append(s.created, key)

	return &model.ExportJob{ID: "job-1", TenantID: tc.TenantID(), Type: params.Type, Status: model.ExportStatusPending}, nil
}

func (s *stubExportService) Get(_ context.Context, tc model.TenantContext, id string) (*model.ExportJob, error) {
	job, ok := s.jobs[id]
	if !ok || job.TenantID != tc.TenantID() {
		return nil, model.ErrNotFound
	}

	return job, nil
}

func (s *stubExportService) List(_ context.Context, tc model.TenantContext, _ model.ExportFilter) ([]*model.ExportJob, error) {
	var out []*model.ExportJob
	for _, job := range s.jobs {
		if job.TenantID == tc.TenantID() {
			out = append(out, job)
		}
	}

	return out, nil
}

func (s *stubExportService) DownloadURL(context.Context, model.TenantContext, string) (*service.DownloadLink, error) {
	return s.link, s.linkErr
}

func newTestApp(t *testing.T, svc *stubExportService) (*Server, *storage.Signer) {
	t.Helper()

	signer, err := storage.NewSigner("api-test-signing-secret", "http://localhost/v1/files", clock.Real{})
	require.NoError(t, err)

	return NewServer(svc, &stubWebhookService{}, &stubMessagingService{}, signer), signer
}

func request(method, path, body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req
}

func tenantHeaders(tenantID string) map[string]string {
	return map[string]string{HeaderTenantID: tenantID, HeaderActorID: "actor-1", HeaderActorRoles: "owner"}
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))

	return out
}

func TestServer_CreateExport(t *testing.T) {
	svc := &stubExportService{}
	server, _ := newTestApp(t, svc)
	app := server.App()

	headers := tenantHeaders("tenant-a")
	headers[HeaderIdempotencyKey] = "exp-1"

	resp, err := app.Test(request(http.MethodPost, "/v1/exports", `{"type":"orders"}`, headers))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "job-1", decode(t, resp)["id"])
	assert.Equal(t, []string{"exp-1"}, svc.created)
	assert.Equal(t, "tenant-a", svc.lastTC.TenantID())
	assert.True(t, svc.lastTC.HasRole(model.RoleOwner))
}

func TestServer_CreateExport_Errors(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		body       string
		createErr  error
		wantStatus int
	}{
		{
			name:       "missing tenant",
			headers:    map[string]string{HeaderActorID: "a", HeaderIdempotencyKey: "k"},
			body:       `{"type":"orders"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing idempotency key",
			headers:    tenantHeaders("tenant-a"),
			body:       `{"type":"orders"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "staff cannot export",
			headers:    map[string]string{HeaderTenantID: "t", HeaderActorID: "a", HeaderActorRoles: "staff", HeaderIdempotencyKey: "k"},
			body:       `{"type":"orders"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "invalid type",
			headers:    withKey(tenantHeaders("tenant-a")),
			body:       `{"type":"payroll"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "in progress",
			headers:    withKey(tenantHeaders("tenant-a")),
			body:       `{"type":"orders"}`,
			createErr:  model.ErrDuplicateInProgress,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "persistence",
			headers:    withKey(tenantHeaders("tenant-a")),
			body:       `{"type":"orders"}`,
			createErr:  model.ErrPersistence,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "limiter down",
			headers:    withKey(tenantHeaders("tenant-a")),
			body:       `{"type":"orders"}`,
			createErr:  model.ErrRateLimitUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestApp(t, &stubExportService{createErr: tt.createErr})

			resp, err := server.App().Test(request(http.MethodPost, "/v1/exports", tt.body, tt.headers))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func withKey(h map[string]string) map[string]string {
	h[HeaderIdempotencyKey] = "k"
	return h
}

func TestServer_RateLimitedSetsRetryAfter(t *testing.T) {
	svc := &stubExportService{createErr: &model.RateLimitError{RouteKey: "export_create", Limit: 5, RetryAfter: 90500 * time.Millisecond}}
	server, _ := newTestApp(t, svc)

	resp, err := server.App().Test(request(http.MethodPost, "/v1/exports", `{"type":"orders"}`, withKey(tenantHeaders("t"))))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "91", resp.Header.Get("Retry-After"))
}

func TestServer_ForeignExportLooksMissing(t *testing.T) {
	svc := &stubExportService{jobs: map[string]*model.ExportJob{
		"job-b": {ID: "job-b", TenantID: "tenant-b"},
	}}
	server, _ := newTestApp(t, svc)
	app := server.App()

	foreign, err := app.Test(request(http.MethodGet, "/v1/exports/job-b", "", tenantHeaders("tenant-a")))
	require.NoError(t, err)

	missing, err := app.Test(request(http.MethodGet, "/v1/exports/nope", "", tenantHeaders("tenant-a")))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, foreign.StatusCode)
	assert.Equal(t, decode(t, missing), decode(t, foreign))

	own, err := app.Test(request(http.MethodGet, "/v1/exports/job-b", "", tenantHeaders("tenant-b")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, own.StatusCode)
}

func TestServer_DownloadURLStates(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{err: model.ErrExportNotReady, wantStatus: http.StatusConflict},
		{err: model.ErrExportExpired, wantStatus: http.StatusGone},
		{err: model.ErrAccessDenied, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			server, _ := newTestApp(t, &stubExportService{linkErr: tt.err})

			resp, err := server.App().Test(request(http.MethodPost, "/v1/exports/x/download-url", "", tenantHeaders("t")))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestServer_ServeFile(t *testing.T) {
	server, signer := newTestApp(t, &stubExportService{})
	app := server.App()

	tc, err := model.NewTenantContext("tenant-a", "actor-1")
	require.NoError(t, err)

	key := storage.KeyFor(tc, "exports", "job-1.csv")
	signed, err := signer.SignURL(context.Background(), tc, key, time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	resp, err := app.Test(request(http.MethodGet, u.RequestURI(), "", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, key, decode(t, resp)["key"])

	otherKey := "/v1/files/" + storage.KeyFor(tc, "exports", "job-2.csv") + "?token=" + u.Query().Get("token")
	resp, err = app.Test(request(http.MethodGet, otherKey, "", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_HealthCheck(t *testing.T) {
	server, _ := newTestApp(t, &stubExportService{})

	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
