package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// TranslateService posts translation batches to LibreTranslate mirrors in
// order, each attempt bounded by its own timeout; the first mirror that
// answers wins.
type TranslateService struct {
	mirrors []string
	timeout time.Duration
	client  *http.Client
}

func NewTranslateService(mirrors []string, timeout time.Duration) *TranslateService {
	return &TranslateService{
		mirrors: mirrors,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type translateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type translateResponse struct {
	TranslatedText []string `json:"translatedText"`
}

// Translate translates texts from source to target in one batch call. The
// caller is responsible for skipping empty fields; an empty batch is a no-op.
func (s *TranslateService) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(translateRequest{Q: texts, Source: source, Target: target, Format: "text"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal translate request: %v", err)
	}

	var lastErr error
	for _, mirror := range s.mirrors {
		out, err := s.translateOnce(ctx, mirror, body, len(texts))
		if err == nil {
			return out, nil
		}
		log.Printf("Translate mirror %s failed: %v", mirror, err)
		lastErr = err
	}
	return nil, fmt.Errorf("all translate mirrors failed: %v", lastErr)
}

func (s *TranslateService) translateOnce(ctx context.Context, mirror string, body []byte, want int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := strings.TrimRight(mirror, "/") + "/translate"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create translate request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("translate failed: status %d: %s", resp.StatusCode, string(respBody))
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode translate response: %v", err)
	}
	if len(tr.TranslatedText) != want {
		return nil, fmt.Errorf("translate returned %d texts, want %d", len(tr.TranslatedText), want)
	}
	return tr.TranslatedText, nil
}
