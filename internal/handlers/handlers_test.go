package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/rdd-api/internal/fetch"
	"github.com/Brownie44l1/rdd-api/internal/logger"
	"github.com/Brownie44l1/rdd-api/internal/pipeline"
	"github.com/Brownie44l1/rdd-api/internal/storage"
)

// fixedInvoker returns the same model output for every call.
type fixedInvoker struct {
	data []float32
}

func (f fixedInvoker) Invoke(ctx context.Context, in pipeline.Tensor) (pipeline.Tensor, error) {
	return pipeline.Tensor{Name: "output0", Shape: []int64{1, int64(len(f.data) / 6), 6}, Data: f.data}, nil
}

// blockingInvoker waits until its context is done.
type blockingInvoker struct{}

func (blockingInvoker) Invoke(ctx context.Context, in pipeline.Tensor) (pipeline.Tensor, error) {
	<-ctx.Done()
	return pipeline.Tensor{}, ctx.Err()
}

type testEnv struct {
	router       *gin.Engine
	store        *storage.Store
	artifactsDir string
}

// oneDetection is a single confident row in the centre of a 64px canvas.
var oneDetection = []float32{32, 32, 16, 16, 0.9, 1}

func setupTestEnv(t *testing.T, invoker pipeline.Invoker, artifactFormat string) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()
	log := logger.NewNopLogger()

	store, err := storage.Open(context.Background(), filepath.Join(tmpDir, "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifactsDir := filepath.Join(tmpDir, "artifacts")
	artifacts, err := storage.NewArtifactDir(artifactsDir, "/artifacts")
	require.NoError(t, err)

	p := pipeline.New(pipeline.Options{
		TargetSize:       64,
		InferenceTimeout: 100 * time.Millisecond,
		Postprocess: pipeline.PostprocessOptions{
			RowWidth:            6,
			ConfidenceThreshold: 0.5,
			ClassNames:          []string{"D00", "D10", "D20", "D40"},
		},
	}, invoker, pipeline.NewRenderer(90), log)

	h := NewHandler(p, store, artifacts, fetch.New(time.Second, 1<<20, log), log, Options{
		MaxUploadBytes: 1 << 20,
		ArtifactFormat: artifactFormat,
	})
	router := NewRouter(h, RouterConfig{
		AllowOrigin:    "*",
		ArtifactsDir:   artifactsDir,
		ArtifactPrefix: "/artifacts",
	}, log)

	return &testEnv{router: router, store: store, artifactsDir: artifactsDir}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{90, 90, 90, 255}), imaging.PNG))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field string, data []byte, userID string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "road.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if userID != "" {
		require.NoError(t, mw.WriteField("user_id", userID))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{}, "jpg")

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	env.store.Close()
	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPredict(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: oneDetection}, "jpg")

	w := env.do(uploadRequest(t, "image", pngBytes(t, 120, 80), "user-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "user-1", body["userId"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(120), body["originalWidth"])
	assert.Equal(t, float64(80), body["originalHeight"])
	assert.Equal(t, "/artifacts/"+id+".jpg", body["artifactUri"])
	assert.NotContains(t, body, "warning")

	dets, ok := body["detections"].([]interface{})
	require.True(t, ok)
	require.Len(t, dets, 1)
	det := dets[0].(map[string]interface{})
	assert.Equal(t, "D10", det["label"])
	assert.InDelta(t, 30.0, det["width"].(float64), 1e-6)

	_, err := os.Stat(filepath.Join(env.artifactsDir, id+".jpg"))
	assert.NoError(t, err)

	w = env.do(httptest.NewRequest(http.MethodGet, "/artifacts/"+id+".jpg", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/reports/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode(t, w)["id"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/detections/user-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var reports []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, id, reports[0]["id"])
}

func TestPredict_NoDetections(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: []float32{32, 32, 16, 16, 0.1, 0}}, "png")

	w := env.do(uploadRequest(t, "image", pngBytes(t, 64, 64), ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", string(mustRaw(t, w)["detections"]))
}

func TestPredict_BadRequests(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: oneDetection}, "jpg")

	w := env.do(uploadRequest(t, "photo", pngBytes(t, 10, 10), ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decode(t, w)["error"])

	w = env.do(uploadRequest(t, "image", []byte("definitely not an image"), ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_image", decode(t, w)["error"])

	w = env.do(uploadRequest(t, "image", make([]byte, 2<<20), ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredict_Timeout(t *testing.T) {
	env := setupTestEnv(t, blockingInvoker{}, "jpg")

	w := env.do(uploadRequest(t, "image", pngBytes(t, 32, 32), ""))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "timeout", decode(t, w)["error"])

	reports, err := env.store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestPredict_MalformedOutput(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: []float32{1, 2, 3, 4, 5, 6, 7}}, "jpg")

	w := env.do(uploadRequest(t, "image", pngBytes(t, 32, 32), ""))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "malformed_output", decode(t, w)["error"])
}

func TestPredict_RenderFailureStillReports(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: oneDetection}, "xyz")

	w := env.do(uploadRequest(t, "image", pngBytes(t, 120, 80), ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Contains(t, body["warning"], "render error")
	assert.Equal(t, "", body["artifactUri"])
	assert.Len(t, body["detections"], 1)

	w = env.do(httptest.NewRequest(http.MethodGet, "/reports/"+body["id"].(string), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPredictURL(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: oneDetection}, "jpg")
	data := pngBytes(t, 120, 80)
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/road.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer images.Close()

	w := env.do(jsonRequest(http.MethodPost, "/predict/url", `{"url": "`+images.URL+`/road.png", "user_id": "u2"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "u2", body["userId"])
	assert.Len(t, body["detections"], 1)

	w = env.do(jsonRequest(http.MethodPost, "/predict/url", `{"url": "`+images.URL+`/missing.png"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_image", decode(t, w)["error"])

	w = env.do(jsonRequest(http.MethodPost, "/predict/url", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decode(t, w)["error"])
}

func TestReportStatusWorkflow(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{data: oneDetection}, "jpg")
	ctx := context.Background()
	require.NoError(t, env.store.Save(ctx, &storage.Report{ID: "r1", Result: pipeline.Result{OriginalWidth: 10, OriginalHeight: 10}}))
	require.NoError(t, env.store.Save(ctx, &storage.Report{ID: "r2", Result: pipeline.Result{OriginalWidth: 10, OriginalHeight: 10}}))

	w := env.do(jsonRequest(http.MethodPatch, "/reports/r1/status", `{"status": "approved"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "approved", decode(t, w)["status"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/all?status=approved", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var approved []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approved))
	require.Len(t, approved, 1)
	assert.Equal(t, "r1", approved[0]["id"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/all", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var all []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	w = env.do(jsonRequest(http.MethodPatch, "/reports/r1/status", `{"status": "archived"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(jsonRequest(http.MethodPatch, "/reports/nope/status", `{"status": "rejected"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/all?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetReport_NotFound(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{}, "jpg")

	w := env.do(httptest.NewRequest(http.MethodGet, "/reports/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/detections/nobody", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestEnv(t, fixedInvoker{}, "jpg")

	w := env.do(httptest.NewRequest(http.MethodOptions, "/predict", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func mustRaw(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
