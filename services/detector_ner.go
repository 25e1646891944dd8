package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pii-redactor/models"
)

// errMalformedSpan is a span that names no text of the chunk
var errMalformedSpan = errors.New("ner: malformed span")

// NERDetector calls the NER sidecar's /classify endpoint. An unreachable
// sidecar is a detection failure, never an empty result.
type NERDetector struct {
	url   string
	http  *http.Client
	guard *CallGuard
}

// NewNERDetector creates a detector pointing at the given base URL
// (e.g. "http://pii-ner:8001").
func NewNERDetector(baseURL string, guard *CallGuard) *NERDetector {
	return &NERDetector{
		url: strings.TrimRight(baseURL, "/") + "/classify",
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		guard: guard,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []nerSpan `json:"spans"`
}

// nerSpan offsets are UTF-8 byte offsets into the submitted text
type nerSpan struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func (d *NERDetector) Name() string { return "ner" }

// Detect sends one chunk to the sidecar. It is safe for concurrent use.
func (d *NERDetector) Detect(ctx context.Context, chunk models.TextChunk) ([]models.PiiEntity, error) {
	body, err := json.Marshal(classifyRequest{Text: chunk.Text})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	var result classifyResponse
	err = d.guard.Do(ctx, func(ctx context.Context) error {
		return d.classify(ctx, body, &result)
	})
	if err != nil {
		return nil, err
	}

	entities := make([]models.PiiEntity, 0, len(result.Spans))
	for _, s := range result.Spans {
		text := s.Text
		if text == "" {
			// A span the chunk cannot resolve would leave PII unredacted.
			if s.Start < 0 || s.End > len(chunk.Text) || s.Start >= s.End {
				return nil, fmt.Errorf("%w: %s at %d..%d of %d bytes", errMalformedSpan, s.Label, s.Start, s.End, len(chunk.Text))
			}
			text = chunk.Text[s.Start:s.End]
		}
		score := s.Score
		if score == 0 {
			score = 1.0
		}
		entities = append(entities, models.PiiEntity{
			Text:  text,
			Kind:  s.Label,
			Chunk: chunk.Index,
			Score: score,
		})
	}
	return entities, nil
}

func (d *NERDetector) classify(ctx context.Context, body []byte, out *classifyResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("ner: sidecar unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ner: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if retryableStatus(resp.StatusCode) {
			return Retryable(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ner: decode: %w", err)
	}
	return nil
}
