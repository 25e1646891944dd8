package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"pii-redactor/internal/config"
	"pii-redactor/models"
)

// DocumentExtractor returns the text content of an uploaded document
type DocumentExtractor interface {
	Extract(ctx context.Context, doc *models.Document) (*models.Extraction, error)
}

// FormatExtractor decodes plain-text documents in process and sends every
// other format to binary
type FormatExtractor struct {
	binary DocumentExtractor
}

func NewFormatExtractor(binary DocumentExtractor) *FormatExtractor {
	return &FormatExtractor{binary: binary}
}

func (e *FormatExtractor) Extract(ctx context.Context, doc *models.Document) (*models.Extraction, error) {
	if doc.Format == models.FormatText {
		return decodePlainText(doc.Data)
	}
	return e.binary.Extract(ctx, doc)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodePlainText accepts UTF-8 input only
func decodePlainText(data []byte) (*models.Extraction, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, errors.New("text document is not valid UTF-8")
	}
	text := string(data)
	return &models.Extraction{
		Text:  text,
		Pages: []models.PageText{{Number: 1, Lines: strings.Split(strings.TrimSuffix(text, "\n"), "\n")}},
	}, nil
}

// AnalysisClient talks to the document analysis service (layout "read" model)
type AnalysisClient struct {
	httpClient *http.Client
	baseURL    string
	guard      *CallGuard
}

type analyzeResponse struct {
	Success bool          `json:"success"`
	Pages   []analyzePage `json:"pages"`
	Error   string        `json:"error,omitempty"`
}

type analyzePage struct {
	PageNumber int           `json:"page_number"`
	Lines      []analyzeLine `json:"lines"`
}

type analyzeLine struct {
	Content string `json:"content"`
}

// HealthResponse is the analysis service health payload
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// NewAnalysisClient creates a client for the analysis service
func NewAnalysisClient(cfg *config.Config, guard *CallGuard) *AnalysisClient {
	timeout := time.Duration(cfg.AnalysisTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute // analysis can take time
	}
	return &AnalysisClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.AnalysisServiceURL, "/"),
		guard:      guard,
	}
}

// IsHealthy checks if the analysis service is healthy
func (c *AnalysisClient) IsHealthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("analysis service unhealthy: status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("failed to decode health response: %w", err)
	}
	return health.Status == "healthy", nil
}

// Extract sends the raw document to the service. The text is every line of
// every page in reading order, each followed by a newline.
func (c *AnalysisClient) Extract(ctx context.Context, doc *models.Document) (*models.Extraction, error) {
	var result *analyzeResponse
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.analyze(ctx, doc)
		return err
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	extraction := &models.Extraction{}
	for i, p := range result.Pages {
		page := models.PageText{Number: p.PageNumber}
		if page.Number == 0 {
			page.Number = i + 1
		}
		for _, line := range p.Lines {
			text.WriteString(line.Content)
			text.WriteByte('\n')
			page.Lines = append(page.Lines, line.Content)
		}
		extraction.Pages = append(extraction.Pages, page)
	}
	extraction.Text = text.String()
	return extraction, nil
}

func (c *AnalysisClient) analyze(ctx context.Context, doc *models.Document) (*analyzeResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", doc.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(doc.Data); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}
	writer.WriteField("model", "prebuilt-read")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Retryable(fmt.Errorf("analyze request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("analyze request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if retryableStatus(resp.StatusCode) {
			return nil, Retryable(err)
		}
		return nil, err
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode analyze response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("analysis failed: %s", result.Error)
	}
	return &result, nil
}
