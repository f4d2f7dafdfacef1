package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestAnthropic_Classify(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "Payee: Joe's Diner\n"
	})).Return(textResponse(`{"category":"Business","confidence":0.88,"reasoning":"Restaurant"}`), nil)

	p := NewAnthropic(client, "", nil)
	res, err := p.Classify(context.Background(), ClassifyRequest{Name: "Joe's Diner"})
	require.NoError(t, err)
	assert.Equal(t, model.CategoryBusiness, res.Category)
	assert.InDelta(t, 0.88, res.Confidence, 1e-9)
	client.AssertExpectations(t)
}

func TestAnthropic_ClassifyError(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

	_, err := NewAnthropic(client, "claude-haiku-4-5-20251001", nil).Classify(context.Background(), ClassifyRequest{Name: "x"})
	assert.Error(t, err)
}

func TestAnthropic_Group(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"groups":[[0,1]]}`), nil).Once()

	p := NewAnthropic(client, "", nil)
	groups, err := p.Group(context.Background(), []string{"Home Depot #12", "The Home Depot", "Lowes"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}}, groups)

	groups, err = p.Group(context.Background(), []string{"solo"})
	require.NoError(t, err)
	assert.Nil(t, groups)
	client.AssertExpectations(t)
}

func TestOpenAI_Judge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/chat/completions")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"matched":true,"supplier_id":"e2","confidence":0.9,"reasoning":"same brand"}`,
				},
			}},
			"usage": map[string]any{"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52},
		})
	}))
	defer ts.Close()

	p := NewOpenAI("test-key", "", ts.URL+"/v1", nil)
	res, err := p.Judge(context.Background(), JudgeRequest{
		Query: "acme",
		Candidates: []model.Candidate{
			{Entity: model.Entity{ID: "e1", Name: "Acme Plumbing"}},
			{Entity: model.Entity{ID: "e2", Name: "Acme Corporation"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "e2", res.EntityID)
	assert.Equal(t, "same brand", res.Reasoning)
}

func TestOpenAI_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewOpenAI("k", "gpt-4o-mini", ts.URL+"/v1", nil).Classify(context.Background(), ClassifyRequest{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: create chat completion")
}

func TestNew(t *testing.T) {
	p, err := New(Settings{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = New(Settings{Provider: "anthropic"}, nil)
	assert.Error(t, err)

	_, err = New(Settings{Provider: "openai"}, nil)
	assert.Error(t, err)

	_, err = New(Settings{Provider: "bard"}, nil)
	assert.Error(t, err)

	p, err = New(Settings{Provider: "OpenAI", OpenAIKey: "k"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}
