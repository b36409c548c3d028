package annotation

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	reply  string
	err    error
	prompt string
	image  string
}

func (f *fakeClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.prompt, f.image = prompt, imgB64
	return "a gray square", f.err
}

func (f *fakeClient) Describe(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.prompt, f.image = prompt, imgB64
	return f.reply, f.err
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 1200, 800))
	for y := 0; y < 800; y++ {
		for x := 0; x < 1200; x++ {
			img.Set(x, y, color.RGBA{100, 100, 100, 255})
		}
	}
	return img
}

func TestDefaultPromptIsDedented(t *testing.T) {
	assert.True(t, strings.HasPrefix(DefaultPrompt, "You describe photos"))
	assert.Contains(t, DefaultPrompt, "\n- Tags: lowercase")
	assert.Contains(t, DefaultPrompt, "at most 5.")
}

func TestAnnotate(t *testing.T) {
	fc := &fakeClient{reply: "```json\n{\"description\": \"A gray square.\", \"tags\": [\"Gray\", \"square\", \"gray\", \"\"],}\n```"}
	a := NewAnnotator(fc, Config{Model: "llava"})

	ann, err := a.Annotate(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "A gray square.", ann.Description)
	assert.Equal(t, []string{"gray", "square"}, ann.Tags)
	assert.Equal(t, DefaultPrompt, fc.prompt)
	assert.NotEmpty(t, fc.image)
}

func TestAnnotateClientError(t *testing.T) {
	a := NewAnnotator(&fakeClient{err: errors.New("offline")}, Config{})
	_, err := a.Annotate(context.Background(), testImage())
	assert.EqualError(t, err, "offline")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		tags    []string
	}{
		{name: "plain", raw: `{"description":"x","tags":["a","b"]}`, tags: []string{"a", "b"}},
		{name: "comments", raw: "{\n// note\n\"description\":\"x\", /* c */ \"tags\":[\"a\"]}", tags: []string{"a"}},
		{name: "prose around", raw: `Sure! {"description":"x","tags":["A!"]} hope this helps`, tags: []string{"a"}},
		{name: "too many tags", raw: `{"description":"x","tags":["a","b","c","d","e","f","g"]}`, tags: []string{"a", "b", "c", "d", "e"}},
		{name: "not json", raw: "I cannot see the image", wantErr: true},
		{name: "broken json", raw: `{"description": "x", "tags": [}`, wantErr: true},
		{name: "empty object", raw: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ann, err := Parse(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoAnnotation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tags, ann.Tags)
		})
	}
}

func TestTestVision(t *testing.T) {
	fc := &fakeClient{}
	out, err := NewAnnotator(fc, Config{}).TestVision(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "a gray square", out)
	assert.Equal(t, SimpleTestPrompt, fc.prompt)
}

func TestAnnotateRateLimited(t *testing.T) {
	fc := &fakeClient{reply: `{"description":"x","tags":["a"]}`}
	a := NewAnnotator(fc, Config{RequestsPerMinute: 1})

	_, err := a.Annotate(context.Background(), testImage())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Annotate(ctx, testImage())
	assert.Error(t, err)
}
