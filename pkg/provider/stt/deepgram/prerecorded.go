package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// prerecordedResponse is the subset of the prerecorded response the engine
// reads.
type prerecordedResponse struct {
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends a WAV clip to the prerecorded endpoint. It returns
// [stt.ErrNoTranscript] when the response carries no transcript.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, error) {
	endpoint, err := p.batchURL(opts)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result prerecordedResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("deepgram: parse JSON response: %w", err)
	}
	if result.Results == nil ||
		len(result.Results.Channels) == 0 ||
		len(result.Results.Channels[0].Alternatives) == 0 {
		return "", stt.ErrNoTranscript
	}
	text := strings.TrimSpace(result.Results.Channels[0].Alternatives[0].Transcript)
	if text == "" {
		return "", stt.ErrNoTranscript
	}
	return text, nil
}

// batchURL constructs the prerecorded endpoint URL.
func (p *Provider) batchURL(opts stt.BatchOptions) (string, error) {
	u, err := url.Parse(p.baseURL + listenPath)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.batchModel)
	q.Set("punctuate", "true")
	q.Set("diarize", "false")
	q.Set("smart_format", "true")
	q.Set("utterances", "true")
	q.Set("filler_words", "false")
	if opts.Language != "" && opts.Language != "auto" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
