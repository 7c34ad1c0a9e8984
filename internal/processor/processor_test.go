package processor

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/modelclient"
	"github.com/datainsight-agency/prism/internal/serializer"
	"github.com/datainsight-agency/prism/internal/table"
)

type scriptedClient struct {
	responses []modelclient.Response
	errs      []error
	calls     int
}

func (s *scriptedClient) Chat(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return modelclient.Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return modelclient.Response{Content: "[]"}, nil
}

func testConfig() *config.JobConfig {
	return &config.JobConfig{
		Model: config.Model{Name: "stub", BatchSize: 2, Retries: 2, DelaySec: 0},
		Prompts: config.Prompts{
			SystemPrompt: "classify",
			PromptFields: []string{"Message"},
			Columns:      []string{"Sentiment"},
		},
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func rowsOf(n int) []table.Row {
	rows := make([]table.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = table.Row{
			RowID:  i + 1,
			Fields: map[string]string{"RowID": fmt.Sprintf("%d", i+1), "Message": "hi", "Sentiment": ""},
			Order:  []string{"RowID", "Message", "Sentiment"},
		}
	}
	return rows
}

func TestRunHappyPathReal(t *testing.T) {
	cfg := testConfig()
	client := &scriptedClient{
		responses: []modelclient.Response{
			{Content: `[{"Sentiment":"Positive"},{"Sentiment":"Negative"}]`},
			{Content: `[{"Sentiment":"Neutral"}]`},
		},
	}
	p := New(cfg, client, testLogger())

	store, err := serializer.New(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("serializer.New: %v", err)
	}

	var checkpoints int
	hooks := Hooks{
		OnCheckpoint: func(partNumber int, path string) { checkpoints++ },
	}

	rows := rowsOf(3)
	processed, calls, err := p.Run(context.Background(), rows, store, "job1", hooks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(processed) != 3 {
		t.Fatalf("expected 3 processed rows, got %d", len(processed))
	}
	if calls != 2 {
		t.Errorf("expected 2 api calls (one per batch), got %d", calls)
	}
	if processed[0].Fields["Sentiment"] != "Positive" || processed[2].Fields["Sentiment"] != "Neutral" {
		t.Errorf("unexpected sentiments: %+v", processed)
	}
	if checkpoints != 1 {
		t.Errorf("expected 1 final checkpoint, got %d", checkpoints)
	}
}

func TestRunPadsShortBatchResponseWithSentinel(t *testing.T) {
	cfg := testConfig()
	cfg.Model.BatchSize = 5
	client := &scriptedClient{
		responses: []modelclient.Response{
			{Content: `[{"Sentiment":"Positive"},{"Sentiment":"Negative"},{"Sentiment":"Neutral"}]`},
		},
	}
	p := New(cfg, client, testLogger())
	store, err := serializer.New(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("serializer.New: %v", err)
	}

	rows := rowsOf(5)
	processed, calls, err := p.Run(context.Background(), rows, store, "job-mismatch", Hooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 api call for the single batch, got %d", calls)
	}
	if len(processed) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(processed))
	}
	for i, want := range []string{"Positive", "Negative", "Neutral", "ERROR_BATCH_MISMATCH", "ERROR_BATCH_MISMATCH"} {
		if got := processed[i].Fields["Sentiment"]; got != want {
			t.Errorf("row %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestRunRetriesThenFallsBackPerRow(t *testing.T) {
	cfg := testConfig()
	cfg.Model.BatchSize = 2
	cfg.Model.Retries = 2
	client := &scriptedClient{
		responses: []modelclient.Response{
			{Content: "not json at all"},
			{Content: "still garbage"},
			{Content: `[{"Sentiment":"Positive"}]`},
			{Content: `[{"Sentiment":"Negative"}]`},
		},
	}
	p := New(cfg, client, testLogger())
	store, err := serializer.New(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("serializer.New: %v", err)
	}

	rows := rowsOf(2)
	processed, calls, err := p.Run(context.Background(), rows, store, "job2", Hooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(processed) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(processed))
	}
	if calls != 4 {
		t.Errorf("expected 2 retries + 2 per-row fallback calls = 4, got %d", calls)
	}
	if processed[0].Fields["Sentiment"] != "Positive" || processed[1].Fields["Sentiment"] != "Negative" {
		t.Errorf("unexpected fallback results: %+v", processed)
	}
}

func TestParseBatchResponseWholeString(t *testing.T) {
	got, err := parseBatchResponse(`[{"a":"1"},{"a":"2"}]`, 2, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0]["a"] != "1" {
		t.Errorf("unexpected parse: %+v", got)
	}
}

func TestParseBatchResponseEmbeddedInProse(t *testing.T) {
	got, err := parseBatchResponse("Sure, here you go: [{\"a\":\"1\"}] hope that helps!", 1, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0]["a"] != "1" {
		t.Errorf("unexpected parse: %+v", got)
	}
}

func TestParseBatchResponsePadsShortArray(t *testing.T) {
	got, err := parseBatchResponse(`[{"a":"1"}]`, 3, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected padded length 3, got %d", len(got))
	}
	if got[1]["a"] != "ERROR_BATCH_MISMATCH" || got[2]["a"] != "ERROR_BATCH_MISMATCH" {
		t.Errorf("expected ERROR_BATCH_MISMATCH sentinel padding, got %+v", got[1:])
	}
}

func TestParseBatchResponseTruncatesLongArray(t *testing.T) {
	got, err := parseBatchResponse(`[{"a":"1"},{"a":"2"},{"a":"3"}]`, 1, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0]["a"] != "1" {
		t.Errorf("unexpected truncation: %+v", got)
	}
}

func TestParseBatchResponseSingleObjectFallback(t *testing.T) {
	got, err := parseBatchResponse(`{"a":"1"}`, 1, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0]["a"] != "1" {
		t.Errorf("unexpected parse: %+v", got)
	}
}

func TestParseBatchResponseUnparseable(t *testing.T) {
	if _, err := parseBatchResponse("no json here whatsoever", 1, []string{"a"}); err == nil {
		t.Error("expected error for unparseable content")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.Model.Retries = 1
	client := &scriptedClient{errs: []error{fmt.Errorf("boom"), fmt.Errorf("boom")}}
	p := New(cfg, client, testLogger())
	store, err := serializer.New(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("serializer.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows := rowsOf(2)
	_, _, err = p.Run(ctx, rows, store, "job3", Hooks{PauseProbe: func() bool { return false }})
	if err == nil {
		t.Error("expected error when context already cancelled and retry backoff triggers")
	}
}
