package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imagesearch "github.com/menta2k/image-search"
	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/pkg/uploads"
)

func checker(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testServer struct {
	*httptest.Server
	engine *imagesearch.Engine
}

func newTestServer(t *testing.T, index bool) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Index.DBPath = filepath.Join(dir, "index.db")
	cfg.Index.ThumbDir = filepath.Join(dir, "thumbs")
	cfg.Server.UploadDir = filepath.Join(dir, "uploads")
	cfg.Server.MaxUploadBytes = 1 << 20

	engine, err := imagesearch.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	if index {
		photos := filepath.Join(dir, "photos")
		require.NoError(t, os.MkdirAll(photos, 0o755))
		for name, c := range map[string]color.Color{
			"red.png":  color.RGBA{220, 20, 20, 255},
			"blue.png": color.RGBA{20, 40, 220, 255},
		} {
			data := encodePNG(t, checker(128, 96, c))
			require.NoError(t, os.WriteFile(filepath.Join(photos, name), data, 0o644))
		}
		stats, err := engine.Index(context.Background(), photos)
		require.NoError(t, err)
		require.Equal(t, 2, stats.Indexed)
	}

	store, err := uploads.New(cfg.Server.UploadDir, cfg.Server.MaxUploadBytes)
	require.NoError(t, err)
	srv, err := New(engine, store)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, engine: engine}
}

func decode(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func (ts *testServer) upload(t *testing.T, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "query.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	res, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return res
}

func (ts *testServer) search(t *testing.T, form url.Values) *http.Response {
	t.Helper()
	res, err := http.PostForm(ts.URL+"/search", form)
	require.NoError(t, err)
	return res
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t, false)

	res, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `id="form_search"`)
}

func TestUnknownPath(t *testing.T) {
	ts := newTestServer(t, false)

	res, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body := decode(t, res)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(2), body["images"])
}

func TestUploadAndSearch(t *testing.T) {
	ts := newTestServer(t, true)

	res := ts.upload(t, encodePNG(t, checker(128, 96, color.RGBA{220, 20, 20, 255})))
	require.Equal(t, http.StatusOK, res.StatusCode)
	up := decode(t, res)
	assert.Equal(t, float64(128), up["width"])
	assert.Equal(t, float64(96), up["height"])
	u, ok := up["url"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(u, "uploads/"))
	assert.NotNil(t, up["suggested"])

	img, err := http.Get(ts.URL + "/" + u)
	require.NoError(t, err)
	img.Body.Close()
	assert.Equal(t, http.StatusOK, img.StatusCode)

	res = ts.search(t, url.Values{
		"url":          {u},
		"num_results":  {"5"},
		"localization": {"on"},
		"x1":           {"0"},
		"y1":           {"0"},
		"x2":           {"128"},
		"y2":           {"96"},
		"width":        {"128"},
		"height":       {"96"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode(t, res)
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)

	first := results[0].(map[string]any)
	assert.Equal(t, "red.png", first["name"])
	assert.NotNil(t, first["box"])
	id := first["id"].(string)
	assert.Equal(t, "thumbs/"+id, first["thumb"])
	assert.Equal(t, "images/"+id, first["image"])

	thumb, err := http.Get(ts.URL + "/thumbs/" + id)
	require.NoError(t, err)
	thumb.Body.Close()
	assert.Equal(t, http.StatusOK, thumb.StatusCode)

	overlay, err := http.Get(ts.URL + "/images/" + id + "?overlay=0.1,0.1,0.5,0.5")
	require.NoError(t, err)
	defer overlay.Body.Close()
	assert.Equal(t, http.StatusOK, overlay.StatusCode)
	assert.Equal(t, "image/jpeg", overlay.Header.Get("Content-Type"))
}

func TestSearchErrors(t *testing.T) {
	ts := newTestServer(t, true)

	res := ts.upload(t, encodePNG(t, checker(64, 64, color.Black)))
	require.Equal(t, http.StatusOK, res.StatusCode)
	u := decode(t, res)["url"].(string)

	tests := []struct {
		name   string
		form   url.Values
		status int
	}{
		{"unknown upload", url.Values{"url": {"uploads/missing.png"}, "num_results": {"5"}}, http.StatusNotFound},
		{"path traversal", url.Values{"url": {"../index.db"}, "num_results": {"5"}}, http.StatusNotFound},
		{"bad num results", url.Values{"url": {u}, "num_results": {"7"}}, http.StatusBadRequest},
		{"bad selection", url.Values{"url": {u}, "num_results": {"5"}, "x2": {"10"}, "y2": {"10"}, "width": {"-1"}, "height": {"64"}}, http.StatusBadRequest},
		{"non-numeric num results", url.Values{"url": {u}, "num_results": {"ten"}}, http.StatusBadRequest},
		{"non-numeric coordinate", url.Values{"url": {u}, "num_results": {"5"}, "x1": {"left"}, "width": {"64"}, "height": {"64"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ts.search(t, tt.form)
			assert.Equal(t, tt.status, res.StatusCode)
			body := decode(t, res)
			assert.Equal(t, false, body["ok"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ts := newTestServer(t, false)

	u := decode(t, ts.upload(t, encodePNG(t, checker(64, 64, color.Black))))["url"].(string)
	res := ts.search(t, url.Values{"url": {u}, "num_results": {"10"}})
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestUploadRejectsNonImage(t *testing.T) {
	ts := newTestServer(t, false)

	res := ts.upload(t, []byte("definitely not an image"))
	body := decode(t, res)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestUploadRejectsTooSmall(t *testing.T) {
	ts := newTestServer(t, false)

	res := ts.upload(t, encodePNG(t, checker(8, 8, color.Black)))
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, false)

	res := ts.upload(t, bytes.Repeat([]byte{0}, 1<<20+1<<19))
	res.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestFetch(t *testing.T) {
	data := encodePNG(t, checker(96, 96, color.RGBA{20, 160, 40, 255}))
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer remote.Close()

	ts := newTestServer(t, false)

	res, err := http.PostForm(ts.URL+"/fetch", url.Values{"url": {remote.URL + "/photo.png"}})
	require.NoError(t, err)
	body := decode(t, res)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(96), body["width"])

	res, err = http.PostForm(ts.URL+"/fetch", url.Values{"url": {"ftp://example.com/a.png"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.PostForm(ts.URL+"/fetch", url.Values{})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestImageErrors(t *testing.T) {
	ts := newTestServer(t, true)

	res, err := http.Get(ts.URL + "/images/unknown")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	recs, err := ts.engine.Store().List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, recs)

	res, err = http.Get(ts.URL + "/images/" + recs[0].ID + "?overlay=1,2,3")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(ts.URL + "/images/" + recs[0].ID)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStartShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Index.DBPath = filepath.Join(dir, "index.db")
	cfg.Server.UploadDir = filepath.Join(dir, "uploads")
	cfg.Server.Addr = "127.0.0.1:0"

	engine, err := imagesearch.New(cfg)
	require.NoError(t, err)
	defer engine.Close()
	store, err := uploads.New(cfg.Server.UploadDir, 0)
	require.NoError(t, err)
	srv, err := New(engine, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestSearchWithoutDisplaySizeUsesWholeImage(t *testing.T) {
	ts := newTestServer(t, true)

	u := decode(t, ts.upload(t, encodePNG(t, checker(128, 96, color.RGBA{220, 20, 20, 255}))))["url"].(string)
	for _, form := range []url.Values{
		{"url": {u}, "num_results": {"5"}, "x2": {"10"}, "y2": {"10"}, "width": {"128"}},
		{"url": {u}, "num_results": {"5"}, "x2": {"10"}, "y2": {"10"}, "height": {"96"}},
	} {
		res := ts.search(t, form)
		require.Equal(t, http.StatusOK, res.StatusCode)
		results := decode(t, res)["results"].([]any)
		require.NotEmpty(t, results)
		assert.Equal(t, "red.png", results[0].(map[string]any)["name"])
	}
}
