package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pii-redactor/internal/config"
	"pii-redactor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatExtractor_PlainText(t *testing.T) {
	binary := fixedExtractor{text: "should not be used"}
	e := NewFormatExtractor(binary)

	doc := &models.Document{Format: models.FormatText, Data: []byte("\xEF\xBB\xBFline one\nline two\n")}
	extraction, err := e.Extract(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, "line one\nline two\n", extraction.Text)
	require.Len(t, extraction.Pages, 1)
	assert.Equal(t, []string{"line one", "line two"}, extraction.Pages[0].Lines)
}

func TestFormatExtractor_RejectsInvalidUTF8(t *testing.T) {
	doc := &models.Document{Format: models.FormatText, Data: []byte{0xff, 0xfe, 'a'}}
	_, err := NewFormatExtractor(fixedExtractor{}).Extract(context.Background(), doc)
	assert.Error(t, err)
}

func TestFormatExtractor_DelegatesBinaryFormats(t *testing.T) {
	doc := &models.Document{Format: models.FormatImage, Data: []byte{1, 2, 3}}
	extraction, err := NewFormatExtractor(fixedExtractor{text: "from service"}).Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "from service", extraction.Text)
}

func TestLocalExtractor_ImagesNeedOCR(t *testing.T) {
	doc := &models.Document{Filename: "scan.png", Format: models.FormatImage}
	_, err := NewLocalExtractor().Extract(context.Background(), doc)
	assert.ErrorIs(t, err, ErrNoOCR)
}

func newAnalysisServer(t *testing.T, handler http.HandlerFunc) *AnalysisClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnalysisClient(&config.Config{AnalysisServiceURL: srv.URL + "/", AnalysisTimeout: 5}, testGuard(2))
}

func TestAnalysisClient_Extract(t *testing.T) {
	client := newAnalysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		assert.Equal(t, "scan.png", header.Filename)
		assert.Equal(t, []byte("PNGDATA"), data)
		assert.Equal(t, "prebuilt-read", r.FormValue("model"))

		json.NewEncoder(w).Encode(analyzeResponse{Success: true, Pages: []analyzePage{
			{PageNumber: 1, Lines: []analyzeLine{{Content: "Name: Jane Roe"}, {Content: "SSN 123-45-6789"}}},
			{Lines: []analyzeLine{{Content: "Page two"}}},
		}})
	})

	doc := &models.Document{Filename: "scan.png", Format: models.FormatImage, Data: []byte("PNGDATA")}
	extraction, err := client.Extract(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, "Name: Jane Roe\nSSN 123-45-6789\nPage two\n", extraction.Text)
	require.Len(t, extraction.Pages, 2)
	assert.Equal(t, 2, extraction.Pages[1].Number)
}

func TestAnalysisClient_ServiceReportsFailure(t *testing.T) {
	client := newAnalysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(analyzeResponse{Success: false, Error: "unsupported file"})
	})

	_, err := client.Extract(context.Background(), &models.Document{Filename: "x.png", Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file")
}

func TestAnalysisClient_IsHealthy(t *testing.T) {
	client := newAnalysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Version: "1.0"})
	})

	ok, err := client.IsHealthy(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnalysisClient_Unhealthy(t *testing.T) {
	client := newAnalysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ok, err := client.IsHealthy(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}
