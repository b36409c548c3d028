package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, status int, content any, seen *ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":"boom"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "1",
			"choices": []any{
				map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDescribe(t *testing.T) {
	var req ChatCompletionRequest
	srv := fakeServer(t, http.StatusOK, `{"description":"a dog","tags":["dog"]}`, &req)

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	out, err := c.Describe(context.Background(), "qwen2-vl", "describe", "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, `{"description":"a dog","tags":["dog"]}`, out)

	assert.Equal(t, "qwen2-vl", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	parts := req.Messages[0].Content.([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", parts[1].(map[string]any)["image_url"].(map[string]any)["url"])
}

func TestSimpleQueryArrayContent(t *testing.T) {
	srv := fakeServer(t, http.StatusOK, []any{map[string]any{"type": "text", "text": "a red square"}}, nil)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	out, err := c.SimpleQuery(context.Background(), "m", "what is it", "")
	require.NoError(t, err)
	assert.Equal(t, "a red square", out)
}

func TestServerError(t *testing.T) {
	srv := fakeServer(t, http.StatusInternalServerError, nil, nil)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Describe(context.Background(), "m", "p", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestDefaultURL(t *testing.T) {
	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.baseURL)
}
