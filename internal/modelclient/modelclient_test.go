package modelclient

import (
	"context"
	"encoding/json"
	"testing"
)

func TestStubClientReturnsValidJSONArray(t *testing.T) {
	client := NewStub()
	req := Request{UserPrompt: "RowID: 1\nRowID: 2\nRowID: 3\n"}

	resp, err := client.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var arr []map[string]string
	if err := json.Unmarshal([]byte(resp.Content), &arr); err != nil {
		t.Fatalf("response is not valid JSON array: %v", err)
	}
	if len(arr) != 3 {
		t.Errorf("expected 3 elements, got %d", len(arr))
	}
}

func TestStubClientRespectsCancellation(t *testing.T) {
	client := NewStub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Chat(ctx, Request{})
	if err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestResponseHasTokenStats(t *testing.T) {
	r := Response{Tokens: TokenStats{InputTokens: 10}}
	if !r.HasTokenStats() {
		t.Error("expected HasTokenStats true")
	}
	r2 := Response{}
	if r2.HasTokenStats() {
		t.Error("expected HasTokenStats false for zero value")
	}
}
