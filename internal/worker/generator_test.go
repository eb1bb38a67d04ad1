package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/model"
)

func samplePrompt() Prompt {
	return Prompt{
		TaskID:   "task_1700000000_00000001",
		TaskName: "implementation",
		Category: model.CategoryBackend,
		Text:     "build the reset flow",
		Outputs:  []OutputSpec{{Kind: "code", Name: "backend.md"}},
	}
}

func TestStubGenerator_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, err := StubGenerator{}.Generate(ctx, samplePrompt())
	require.NoError(t, err)
	b, err := StubGenerator{}.Generate(ctx, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.Len(t, a.Files, 1)
	assert.Equal(t, "backend.md", a.Files[0].Name)
	assert.Contains(t, a.Files[0].Content, "build the reset flow")
}

func TestHTTPGenerator_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		ok        bool
	}{
		{"success", http.StatusOK, `{"files":[{"kind":"code","name":"backend.md","content":"x"}]}`, false, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, true, false},
		{"server error", http.StatusBadGateway, `upstream`, true, false},
		{"bad request", http.StatusBadRequest, `malformed prompt`, false, false},
		{"garbage body", http.StatusOK, `not json`, false, false},
		{"empty files", http.StatusOK, `{"files":[]}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				var p Prompt
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
				assert.Equal(t, "task_1700000000_00000001", p.TaskID)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out, err := NewHTTPGenerator(srv.URL, srv.Client()).Generate(context.Background(), samplePrompt())
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, out.Files, 1)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsPermanent(err))
		})
	}
}

func TestHTTPGenerator_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPGenerator(url, nil).Generate(context.Background(), samplePrompt())
	assert.True(t, IsTransient(err))
}

func TestCommandGenerator(t *testing.T) {
	ok := `cat >/dev/null; echo '{"files":[{"kind":"code","name":"backend.md","content":"hi"}]}'`
	tests := []struct {
		name      string
		script    string
		transient bool
		ok        bool
	}{
		{"success", ok, false, true},
		{"tempfail", `cat >/dev/null; echo busy >&2; exit 75`, true, false},
		{"hard failure", `cat >/dev/null; exit 2`, false, false},
		{"bad output", `cat >/dev/null; echo nope`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewCommandGenerator([]string{"sh", "-c", tt.script})
			require.NoError(t, err)
			out, err := g.Generate(context.Background(), samplePrompt())
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, "hi", out.Files[0].Content)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}

	_, err := NewCommandGenerator(nil)
	assert.Error(t, err)
}

func TestCommandGenerator_TimeoutIsTransient(t *testing.T) {
	g, err := NewCommandGenerator([]string{"sh", "-c", "sleep 5"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, samplePrompt())
	assert.True(t, IsTransient(err))
}

func TestNewGenerator(t *testing.T) {
	g, err := NewGenerator(model.WorkerConfig{Generator: "stub"})
	require.NoError(t, err)
	assert.IsType(t, StubGenerator{}, g)

	g, err = NewGenerator(model.WorkerConfig{Generator: "http", Endpoint: "http://localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPGenerator{}, g)

	_, err = NewGenerator(model.WorkerConfig{Generator: "command"})
	assert.Error(t, err)
	_, err = NewGenerator(model.WorkerConfig{Generator: "oracle"})
	assert.Error(t, err)
}
