// Package processor drives the model-call loop a worker runs over its
// assigned row range: batching rows into prompts, parsing the model's
// JSON response (tolerating the malformed and partial responses real
// providers return), reconciling response length against batch size,
// retrying with backoff, falling back to per-row calls when a batch
// never recovers, and checkpointing progress through a serializer.Store.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/metrics"
	"github.com/datainsight-agency/prism/internal/modelclient"
	"github.com/datainsight-agency/prism/internal/serializer"
	"github.com/datainsight-agency/prism/internal/table"
	"github.com/datainsight-agency/prism/internal/validation"
)

// errBatchMismatch marks a parsed batch response whose row count didn't
// match the batch it answered; the caller pads or truncates rather than
// treating it as fatal.
var errBatchMismatch = fmt.Errorf("processor: response row count did not match batch size")

// Hooks lets the caller (a worker process) observe a Processor's run
// without the Processor knowing about status files, logging, or pause
// files directly.
type Hooks struct {
	// PauseProbe, if set, is polled between batches; Run blocks (checking
	// roughly once a second) for as long as it returns true.
	PauseProbe func() bool
	// OnProgress is called at the configured reporting cadence.
	OnProgress func(currentRow, rowsProcessed, apiCalls int, snap metrics.Snapshot, etaSeconds *float64)
	// OnCheckpoint is called after each checkpoint part is written.
	OnCheckpoint func(partNumber int, path string)
	// OnRowError is called whenever a row falls back to an error result
	// after exhausting retries and its individual fallback call, and
	// whenever validation rejects a row's value.
	OnRowError func(rowID int, msg string)
}

// Processor owns one worker's model-call loop.
// Example:
//
//	p := processor.New(cfg, modelclient.NewStub(), logrus.StandardLogger())
//	rows, calls, err := p.Run(ctx, assigned, store, jobID, hooks)
type Processor struct {
	cfg    *config.JobConfig
	client modelclient.ModelClient
	logger *logrus.Logger
	metric *metrics.Accumulator
}

// New builds a Processor for one worker's process lifetime.
func New(cfg *config.JobConfig, client modelclient.ModelClient, logger *logrus.Logger) *Processor {
	return &Processor{cfg: cfg, client: client, logger: logger, metric: metrics.New()}
}

// Run processes rows in configured batch-size chunks, applies
// validation, checkpoints through store as the configured interval is
// crossed, and returns every processed row plus the total API call
// count made.
func (p *Processor) Run(ctx context.Context, rows []table.Row, store *serializer.Store, jobID string, hooks Hooks) ([]table.Row, int, error) {
	total := len(rows)
	batchSize := p.cfg.Model.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	progressInterval := batchSize
	if total/20 > progressInterval {
		progressInterval = total / 20
	}

	if total == 0 {
		return nil, 0, nil
	}

	start := time.Now()
	apiCalls := 0
	partNumber := 1
	if store != nil {
		if existing, err := store.ListCheckpoints(jobID); err == nil {
			partNumber = len(existing) + 1
		}
	}
	processed := make([]table.Row, 0, total)
	pending := make([]table.Row, 0, batchSize)
	columns := append([]string(nil), rows[0].Order...)
	for _, col := range p.cfg.Prompts.Columns {
		present := false
		for _, c := range columns {
			if c == col {
				present = true
				break
			}
		}
		if !present {
			columns = append(columns, col)
		}
	}

	for i := 0; i < total; i += batchSize {
		if err := p.waitWhilePaused(ctx, hooks.PauseProbe); err != nil {
			return processed, apiCalls, err
		}

		end := i + batchSize
		if end > total {
			end = total
		}
		batch := rows[i:end]

		results, calls, err := p.processBatch(ctx, batch, hooks)
		apiCalls += calls
		if err != nil {
			return processed, apiCalls, err
		}

		for j := range batch {
			row := batch[j]
			applyResult(&row, results[j], p.cfg.Prompts.Columns)
			outcome, verr := validation.Apply(p.cfg, row.Fields)
			p.logOutcome(row.RowID, outcome)
			if verr != nil {
				row.Fields[p.cfg.Prompts.Columns[0]] = "ERROR"
				if hooks.OnRowError != nil {
					hooks.OnRowError(row.RowID, verr.Error())
				}
			}
			processed = append(processed, row)
			pending = append(pending, row)
		}

		processedCount := len(processed)

		if store != nil && store.ShouldCheckpoint(processedCount, total) && len(pending) > 0 {
			path, err := store.SaveCheckpoint(columns, pending, jobID, partNumber)
			if err != nil {
				return processed, apiCalls, fmt.Errorf("processor: checkpoint job %s: %w", jobID, err)
			}
			if hooks.OnCheckpoint != nil {
				hooks.OnCheckpoint(partNumber, path)
			}
			partNumber++
			pending = pending[:0]
		}

		if hooks.OnProgress != nil && (processedCount%progressInterval == 0 || processedCount == total) {
			snap := p.metric.Compute(start, processedCount)
			var eta *float64
			if snap.RowsPerSec > 0 {
				remaining := float64(total-processedCount) / snap.RowsPerSec
				eta = &remaining
			}
			currentRow := batch[len(batch)-1].RowID
			hooks.OnProgress(currentRow, processedCount, apiCalls, snap, eta)
		}
	}

	return processed, apiCalls, nil
}

// waitWhilePaused blocks while probe reports a pause is active, polling
// at the same cadence the original Python tool's pause cooperation used.
func (p *Processor) waitWhilePaused(ctx context.Context, probe func() bool) error {
	if probe == nil {
		return nil
	}
	for probe() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// logOutcome surfaces a validated row's corrections and warnings, per
// SPEC_FULL.md §4.2: an applied correction is logged at info level, an
// accepted-but-unusual value at warn level, each tagged with the row it
// came from.
func (p *Processor) logOutcome(rowID int, outcome validation.Outcome) {
	for _, c := range outcome.Corrections {
		p.logger.WithField("row_id", rowID).Info("processor: validation correction: " + c)
	}
	for _, w := range outcome.Warnings {
		p.logger.WithField("row_id", rowID).Warn("processor: validation warning: " + w)
	}
}

// applyResult merges a model result map into row's fields for the
// configured output columns, leaving any column the model omitted unchanged.
func applyResult(row *table.Row, result map[string]string, columns []string) {
	for _, col := range columns {
		if v, ok := result[col]; ok {
			row.Fields[col] = v
		}
	}
}

// processBatch makes the model call for one batch, retrying with linear
// backoff, and falls back to per-row calls if every retry's response
// fails to parse or never arrives.
func (p *Processor) processBatch(ctx context.Context, batch []table.Row, hooks Hooks) ([]map[string]string, int, error) {
	prompt := p.buildBatchPrompt(batch)
	req := modelclient.Request{
		Model:        p.cfg.Model.Name,
		SystemPrompt: p.cfg.Prompts.SystemPrompt,
		UserPrompt:   prompt,
		JSONFormat:   true,
	}

	calls := 0
	var lastErr error
	for attempt := 0; attempt < p.cfg.Model.Retries; attempt++ {
		resp, err := p.client.Chat(ctx, req)
		calls++
		if err != nil {
			lastErr = err
			p.logger.WithError(err).WithField("attempt", attempt+1).Warn("processor: batch call failed")
			if sleepErr := p.backoff(ctx, attempt); sleepErr != nil {
				return nil, calls, sleepErr
			}
			continue
		}
		if resp.HasTokenStats() {
			p.metric.Record(int64(resp.Tokens.InputTokens+resp.Tokens.OutputTokens), resp.Duration)
		}

		results, perr := parseBatchResponse(resp.Content, len(batch), p.cfg.Prompts.Columns)
		if perr == nil {
			return results, calls, nil
		}
		lastErr = perr
		p.logger.WithError(perr).WithField("attempt", attempt+1).Warn("processor: batch response did not parse")
		if sleepErr := p.backoff(ctx, attempt); sleepErr != nil {
			return nil, calls, sleepErr
		}
	}

	p.logger.WithError(lastErr).Warn("processor: batch exhausted retries, falling back to per-row calls")
	results := make([]map[string]string, len(batch))
	for i, row := range batch {
		result, err := p.processSingleRow(ctx, row)
		calls++
		if err != nil {
			if hooks.OnRowError != nil {
				hooks.OnRowError(row.RowID, err.Error())
			}
			result = map[string]string{}
		}
		results[i] = result
	}
	return results, calls, nil
}

// processSingleRow is the per-row fallback path used once a batch has
// exhausted its retries.
func (p *Processor) processSingleRow(ctx context.Context, row table.Row) (map[string]string, error) {
	prompt := p.buildRowPrompt(row)
	req := modelclient.Request{
		Model:        p.cfg.Model.Name,
		SystemPrompt: p.cfg.Prompts.SystemPrompt,
		UserPrompt:   prompt,
		JSONFormat:   true,
	}

	resp, err := p.client.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("processor: single-row fallback call for RowID %d: %w", row.RowID, err)
	}
	if resp.HasTokenStats() {
		p.metric.Record(int64(resp.Tokens.InputTokens+resp.Tokens.OutputTokens), resp.Duration)
	}

	results, err := parseBatchResponse(resp.Content, 1, p.cfg.Prompts.Columns)
	if err != nil {
		return nil, fmt.Errorf("processor: single-row fallback parse for RowID %d: %w", row.RowID, err)
	}
	return results[0], nil
}

// backoff sleeps the configured linear backoff for attempt, or returns
// ctx.Err() if ctx is cancelled first.
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	delay := p.cfg.RetryDelay() * time.Duration(attempt+1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// buildBatchPrompt renders every row in batch as a RowID-tagged block
// listing the configured prompt fields, for the model to answer as a
// single JSON array in row order.
func (p *Processor) buildBatchPrompt(batch []table.Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify each of the following %d rows. Respond with a JSON array of %d objects, in the same order, one per row, each containing exactly these keys: %s.\n\n",
		len(batch), len(batch), strings.Join(p.cfg.Prompts.Columns, ", "))
	for _, row := range batch {
		writeRowBlock(&b, row, p.cfg.Prompts.PromptFields)
	}
	return b.String()
}

// buildRowPrompt renders a single row for the per-row fallback call.
func (p *Processor) buildRowPrompt(row table.Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify the following row. Respond with a JSON array containing exactly one object with these keys: %s.\n\n",
		strings.Join(p.cfg.Prompts.Columns, ", "))
	writeRowBlock(&b, row, p.cfg.Prompts.PromptFields)
	return b.String()
}

func writeRowBlock(b *strings.Builder, row table.Row, fields []string) {
	fmt.Fprintf(b, "RowID: %d\n", row.RowID)
	for _, f := range fields {
		fmt.Fprintf(b, "%s: %s\n", f, row.Fields[f])
	}
	b.WriteString("\n")
}

// parseBatchResponse applies the parse-recovery cascade — whole-string
// decode, then the largest bracketed array span, then the largest
// bracketed object span wrapped into a single-element array — and
// reconciles the result length against expected by padding the tail
// with ERROR_BATCH_MISMATCH sentinel rows or truncating, matching the
// original tool's recovery instead of failing the whole batch over a
// provider that appended trailing commentary.
func parseBatchResponse(content string, expected int, columns []string) ([]map[string]string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("processor: empty model response")
	}

	var arr []map[string]string
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		return reconcile(arr, expected, columns), nil
	}

	if span := largestSpan(content, '[', ']'); span != "" {
		if err := json.Unmarshal([]byte(span), &arr); err == nil {
			return reconcile(arr, expected, columns), nil
		}
	}

	if span := largestSpan(content, '{', '}'); span != "" {
		var obj map[string]string
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			return reconcile([]map[string]string{obj}, expected, columns), nil
		}
	}

	return nil, fmt.Errorf("%w: could not locate parseable JSON in response", errBatchMismatch)
}

// errorSentinelRow returns a result row with every configured output
// column set to the ERROR_BATCH_MISMATCH sentinel, used to pad a short
// response so the caller always gets back exactly the batch size it
// asked for.
func errorSentinelRow(columns []string) map[string]string {
	row := make(map[string]string, len(columns))
	for _, c := range columns {
		row[c] = "ERROR_BATCH_MISMATCH"
	}
	return row
}

// reconcile pads arr with ERROR_BATCH_MISMATCH sentinel rows or
// truncates it to exactly expected elements.
func reconcile(arr []map[string]string, expected int, columns []string) []map[string]string {
	if len(arr) == expected {
		return arr
	}
	if len(arr) > expected {
		return arr[:expected]
	}
	out := make([]map[string]string, expected)
	copy(out, arr)
	for i := len(arr); i < expected; i++ {
		out[i] = errorSentinelRow(columns)
	}
	return out
}

// largestSpan returns the longest balanced-bracket substring of s
// delimited by open/close, or "" if none is found. Providers sometimes
// wrap a valid array or object in prose; this recovers it without a full
// parser.
func largestSpan(s string, open, close byte) string {
	best := ""
	depth := 0
	startIdx := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			if depth == 0 {
				startIdx = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 && startIdx >= 0 {
					candidate := s[startIdx : i+1]
					if len(candidate) > len(best) {
						best = candidate
					}
					startIdx = -1
				}
			}
		}
	}
	return best
}
