package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/rag"
)

// scriptedStore returns canned passages instead of querying pgvector.
type scriptedStore struct {
	passages  []rag.Passage
	err       error
	lastQuery string
	lastK     int
}

func (s *scriptedStore) Search(_ context.Context, query string, k int) ([]rag.Passage, error) {
	s.lastQuery = query
	s.lastK = k
	return s.passages, s.err
}

func TestFormatPassages(t *testing.T) {
	got := FormatPassages([]rag.Passage{
		{Content: "Damaged items are refunded in full.", Page: 2, Score: 0.91},
		{Content: "Refunds are issued within 5 business days.", Page: 1, Score: 0.84},
	})

	if !strings.Contains(got, "[source: page 2] Damaged items are refunded in full.") {
		t.Errorf("first passage malformed: %q", got)
	}
	if !strings.Contains(got, "[source: page 1] Refunds are issued within 5 business days.") {
		t.Errorf("second passage malformed: %q", got)
	}
	if !strings.Contains(got, "\n\n") {
		t.Errorf("passages must be blank-line separated: %q", got)
	}
}

func TestSearchPolicyDocsTool(t *testing.T) {
	store := &scriptedStore{passages: []rag.Passage{{Content: "Returns within 30 days.", Page: 1, Score: 0.9}}}
	bt := newSearchPolicyDocsTool(store, model.PolicySearchConfig{TopK: 4})

	out := invokeTool(t, bt, SearchPolicyDocsInput{Query: "  return policy  "})

	if ResultStatus(out) != StatusOK {
		t.Fatalf("expected ok status, got %q in %q", ResultStatus(out), out)
	}
	if store.lastQuery != "return policy" {
		t.Errorf("query not trimmed: %q", store.lastQuery)
	}
	if store.lastK != 4 {
		t.Errorf("expected top_k 4, got %d", store.lastK)
	}
	if !strings.Contains(out, "[source: page 1]") {
		t.Errorf("source locator missing: %q", out)
	}
}

func TestSearchPolicyDocsToolNoMatches(t *testing.T) {
	store := &scriptedStore{}
	bt := newSearchPolicyDocsTool(store, model.PolicySearchConfig{TopK: 4})

	out := invokeTool(t, bt, SearchPolicyDocsInput{Query: "dress code"})
	if ResultStatus(out) != StatusEmpty {
		t.Errorf("expected empty status, got %q in %q", ResultStatus(out), out)
	}
	if !strings.Contains(out, policyNotFound) {
		t.Errorf("expected not-found sentinel, got %q", out)
	}
}

func TestSearchPolicyDocsToolSearchErrorIsInBand(t *testing.T) {
	store := &scriptedStore{err: fmt.Errorf("connection refused")}
	bt := newSearchPolicyDocsTool(store, model.PolicySearchConfig{TopK: 4})

	out := invokeTool(t, bt, SearchPolicyDocsInput{Query: "refunds"})
	if ResultStatus(out) != StatusError {
		t.Fatalf("expected error status, got %q", out)
	}
	if !strings.Contains(out, "search error:") {
		t.Errorf("expected in-band marker, got %q", out)
	}
}

func TestResultStatusFallsBackToMarkers(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{`{"status":"ok","rows":"a | 1"}`, StatusOK},
		{`{"status":"empty"}`, StatusEmpty},
		{`{"status":"error","error":"boom"}`, StatusError},
		{sqlErrorPrefix + "syntax error", StatusError},
		{"search error: timeout", StatusError},
		{"chart error: traceback", StatusError},
		{policyNotFound, StatusEmpty},
		{chartMissingMarker, StatusEmpty},
		{"plain rows of data", StatusOK},
	}
	for _, tc := range cases {
		if got := ResultStatus(tc.content); got != tc.want {
			t.Errorf("ResultStatus(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}
