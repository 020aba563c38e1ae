package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/graphapi"
	"github.com/comfynaut/comfynaut/pipeline"
)

type fakeGenerator struct {
	result    *pipeline.Result
	err       error
	lastImage pipeline.ImageRequest
	lastDream pipeline.DreamRequest
	marathons chan string
}

func (f *fakeGenerator) Dream(ctx context.Context, req pipeline.DreamRequest) (*pipeline.Result, error) {
	f.lastDream = req
	return f.result, f.err
}

func (f *fakeGenerator) Img2Img(ctx context.Context, req pipeline.ImageRequest) (*pipeline.Result, error) {
	f.lastImage = req
	return f.result, f.err
}

func (f *fakeGenerator) Img2Vid(ctx context.Context, req pipeline.ImageRequest) (*pipeline.Result, error) {
	f.lastImage = req
	return f.result, f.err
}

func (f *fakeGenerator) Marathon(ctx context.Context, sessions *pipeline.Sessions, sessionID string, req pipeline.DreamRequest, count int, each pipeline.MarathonFunc) (int, error) {
	if f.marathons != nil {
		f.marathons <- sessionID
	}
	return 0, nil
}

type fakeCatalog struct {
	infos []graphapi.TemplateInfo
	err   error
}

func (f *fakeCatalog) List() ([]graphapi.TemplateInfo, error) {
	return f.infos, f.err
}

type fakeBackend struct {
	statsErr error
	views    map[string][]byte
}

func (f *fakeBackend) GetSystemStats(ctx context.Context) (*client.SystemStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &client.SystemStats{
		System:  client.System{ComfyUIVersion: "0.3.40"},
		Devices: []client.GPU{{Name: "cuda:0 RTX 4090", Type: "cuda"}},
	}, nil
}

func (f *fakeBackend) GetView(ctx context.Context, a client.Artifact) ([]byte, error) {
	data, ok := f.views[a.Filename]
	if !ok {
		return nil, errors.New("status 404")
	}
	return data, nil
}

func (f *fakeBackend) ViewURL(a client.Artifact) string {
	return "http://gpu:8188/view?filename=" + a.Filename
}

type testServer struct {
	gen      *fakeGenerator
	backend  *fakeBackend
	sessions *pipeline.Sessions
	router   *gin.Engine
}

func newTestServer(t *testing.T, publicURL string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		gen:      &fakeGenerator{},
		backend:  &fakeBackend{views: map[string][]byte{}},
		sessions: pipeline.NewSessions(time.Minute, time.Minute),
	}
	catalog := &fakeCatalog{infos: []graphapi.TemplateInfo{{Name: "dream"}, {Name: "img2vid", ImageInput: true, VideoOutput: true}}}
	h, err := NewHandler(ts.gen, catalog, ts.backend, ts.sessions, Options{PublicURL: publicURL, MaxMarathon: 5})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	ts.router = NewRouter(h)
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestWelcome(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), welcomeMessage)
}

func TestDream(t *testing.T) {
	ts := newTestServer(t, "https://bot.example.com/")
	ts.gen.result = &pipeline.Result{
		PromptID: "abc",
		Kind:     client.ArtifactImage,
		Image:    &client.Artifact{Filename: "castle 1.png", Type: "output", Kind: client.ArtifactImage},
	}

	w := ts.do(http.MethodPost, "/dream", `{"prompt": "a castle"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[Response](t, w)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "a castle", resp.Echo)
	assert.Equal(t, "abc", resp.PromptID)
	assert.Equal(t, "https://bot.example.com/view?filename=castle+1.png&subfolder=&type=output", resp.ImageURL)
	assert.Empty(t, resp.VideoURL)
	assert.Equal(t, "a castle", ts.gen.lastDream.Prompt)
}

func TestDreamWithoutPublicURL(t *testing.T) {
	ts := newTestServer(t, "")
	ts.gen.result = &pipeline.Result{PromptID: "abc", Image: &client.Artifact{Filename: "a.png"}}

	w := ts.do(http.MethodPost, "/dream", `{"prompt": "a castle"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://gpu:8188/view?filename=a.png", decode[Response](t, w).ImageURL)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{pipeline.ErrEmptyPrompt, http.StatusBadRequest},
		{fmt.Errorf("loading: %w", graphapi.ErrTemplateNotFound), http.StatusBadRequest},
		{fmt.Errorf("queue: %w", client.ErrBackendRejected), http.StatusBadGateway},
		{&client.ExecutionError{PromptID: "p"}, http.StatusBadGateway},
		{client.ErrExecutionInterrupted, http.StatusBadGateway},
		{pipeline.ErrNoOutput, http.StatusBadGateway},
		{fmt.Errorf("track: %w", client.ErrTimedOut), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.gen.err = tt.err

			w := ts.do(http.MethodPost, "/dream", `{"prompt": "x"}`)
			assert.Equal(t, tt.status, w.Code)
			resp := decode[Response](t, w)
			assert.Equal(t, StatusError, resp.Status)
			assert.NotEmpty(t, resp.Message)
			assert.NotContains(t, resp.Message, "boom")
		})
	}
}

func TestInvalidBody(t *testing.T) {
	ts := newTestServer(t, "")
	for _, path := range []string{"/dream", "/img2img", "/img2vid", "/marathon"} {
		w := ts.do(http.MethodPost, path, "not json")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestImg2Vid(t *testing.T) {
	ts := newTestServer(t, "http://api.local:8000")
	ts.gen.result = &pipeline.Result{
		PromptID:  "vid",
		Kind:      client.ArtifactVideo,
		Video:     &client.Artifact{Filename: "final.mp4", Type: "output"},
		LastFrame: &client.Artifact{Filename: "last.png", Type: "output"},
	}
	png := []byte("\x89PNG\r\n\x1a\nrest")

	body := fmt.Sprintf(`{"image_data": "data:image/png;base64,%s", "filename": "cat.png", "prompt": "waves"}`,
		base64.StdEncoding.EncodeToString(png))
	w := ts.do(http.MethodPost, "/img2vid", body)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[Response](t, w)
	assert.Equal(t, "http://api.local:8000/view?filename=final.mp4&subfolder=&type=output", resp.VideoURL)
	assert.Equal(t, "http://api.local:8000/view?filename=last.png&subfolder=&type=output", resp.LastFrameURL)
	assert.Equal(t, png, ts.gen.lastImage.Image)
	assert.Equal(t, "cat.png", ts.gen.lastImage.Filename)
}

func TestImg2ImgBadImage(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/img2img", `{"image_data": "!!!", "prompt": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/img2img", `{"prompt": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, ts.gen.lastImage.Image)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "0.3.40", resp.ComfyUIVersion)
	require.Len(t, resp.Devices, 1)

	ts.backend.statsErr = errors.New("connection refused")
	w = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestWorkflows(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[WorkflowsResponse](t, w)
	require.Len(t, resp.Workflows, 2)
	assert.True(t, resp.Workflows[1].VideoOutput)
}

func TestView(t *testing.T) {
	ts := newTestServer(t, "")
	ts.backend.views["castle.png"] = []byte("\x89PNG\r\n\x1a\nrest")

	w := ts.do(http.MethodGet, "/view?filename=castle.png&type=output", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = ts.do(http.MethodGet, "/view?filename=missing.png", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = ts.do(http.MethodGet, "/view?filename=../etc/passwd", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/view", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarathon(t *testing.T) {
	ts := newTestServer(t, "")
	ts.gen.marathons = make(chan string, 1)

	w := ts.do(http.MethodPost, "/marathon", `{"prompt": "castles", "count": 3, "session": "s1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "s1", decode[Response](t, w).Session)

	select {
	case id := <-ts.gen.marathons:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("marathon did not start")
	}

	w = ts.do(http.MethodGet, "/marathon/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[MarathonResponse](t, w)
	assert.Equal(t, 3, status.Marathon.Total)

	w = ts.do(http.MethodPost, "/marathon/s1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.sessions.Cancelled("s1"))

	w = ts.do(http.MethodGet, "/marathon/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(http.MethodPost, "/marathon/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarathonValidation(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/marathon", `{"prompt": "castles", "count": 6}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/marathon", `{"prompt": "castles", "count": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/marathon", `{"prompt": " ", "count": 2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarathonGeneratesSession(t *testing.T) {
	ts := newTestServer(t, "")
	ts.gen.marathons = make(chan string, 1)

	w := ts.do(http.MethodPost, "/marathon", `{"prompt": "castles", "count": 1}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	session := decode[Response](t, w).Session
	require.NotEmpty(t, session)
	assert.Equal(t, session, <-ts.gen.marathons)
}

func TestNewHandlerRejectsBadPublicURL(t *testing.T) {
	_, err := NewHandler(&fakeGenerator{}, &fakeCatalog{}, &fakeBackend{}, pipeline.NewSessions(time.Minute, time.Minute), Options{PublicURL: "not a url"})
	assert.Error(t, err)
}
