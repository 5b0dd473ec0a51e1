package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/signals"
)

func completion(t *testing.T, content string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"model": "served-model",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	require.NoError(t, err)
	return b
}

func newServer(t *testing.T, status int, body []byte, check func(*http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExplainSuccess(t *testing.T) {
	content := `{"summary":"Stock is running low.","actionType":"inventory","nextSteps":["Reorder","Notify supplier"],"caveats":"Counts may lag."}`
	var got chatRequest
	srv := newServer(t, http.StatusOK, completion(t, content), func(r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	c := NewClient("sk-test", WithBaseURL(srv.URL), WithModel("small"), WithRateLimit(0))
	res, err := c.Explain(context.Background(), Input{Title: "Tote", Status: "ACTIVE", InventoryStatus: signals.InventoryLow})
	require.NoError(t, err)
	assert.Equal(t, "Stock is running low.", res.Summary)
	assert.Equal(t, ActionInventory, res.ActionType)
	assert.Equal(t, []string{"Reorder", "Notify supplier"}, res.NextSteps)
	assert.Equal(t, "Counts may lag.", res.Caveats)
	assert.Equal(t, "served-model", res.Model)

	assert.Equal(t, "small", got.Model)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, `"title":"Tote"`)
}

func TestExplainErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		raw     []byte
		want    error
	}{
		{name: "server error", status: http.StatusBadGateway, raw: []byte(`oops`), want: ErrUpstream},
		{name: "rate limited", status: http.StatusTooManyRequests, raw: []byte(`{}`), want: ErrUpstream},
		{name: "not json", status: http.StatusOK, raw: []byte(`<html>`), want: ErrInvalidResponse},
		{name: "no choices", status: http.StatusOK, raw: []byte(`{"choices":[]}`), want: ErrInvalidResponse},
		{name: "content not json", status: http.StatusOK, content: `Sure! Here you go`, want: ErrInvalidResponse},
		{name: "empty summary", status: http.StatusOK, content: `{"summary":"  ","actionType":"NONE"}`, want: ErrInvalidResponse},
		{name: "unknown action", status: http.StatusOK, content: `{"summary":"x","actionType":"SHIPPING"}`, want: ErrInvalidResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := tc.raw
			if body == nil {
				body = completion(t, tc.content)
			}
			srv := newServer(t, tc.status, body, nil)
			_, err := NewClient("sk-test", WithBaseURL(srv.URL)).Explain(context.Background(), Input{Title: "Tote"})
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestExplainMissingKey(t *testing.T) {
	_, err := NewClient("").Explain(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestExplainUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := NewClient("sk-test", WithBaseURL(url)).Explain(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestParseReplyRules(t *testing.T) {
	long := strings.Repeat("é", MaxSummaryRunes+50)
	content := "```json\n" + `{"summary":"` + long + `","actionType":"PRICING","nextSteps":["a"," ","b","c","d"]}` + "\n```"

	res, err := parseReply(content, Input{InventoryStatus: signals.InventoryOutOfStock})
	require.NoError(t, err)
	assert.Equal(t, ActionInventory, res.ActionType, "out of stock forces INVENTORY")
	assert.Equal(t, []string{"a", "b", "c"}, res.NextSteps)
	assert.Equal(t, MaxSummaryRunes, len([]rune(res.Summary)))
	assert.Empty(t, res.Caveats)
}

func TestParseActionType(t *testing.T) {
	at, ok := ParseActionType(" visibility ")
	assert.True(t, ok)
	assert.Equal(t, ActionVisibility, at)
	_, ok = ParseActionType("")
	assert.False(t, ok)
}
