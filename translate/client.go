package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/job"
)

var languages = map[string]string{
	"en": "english", "es": "spanish", "fr": "french", "de": "german",
	"it": "italian", "pt": "portuguese", "ru": "russian", "zh": "chinese",
	"ja": "japanese", "ko": "korean", "ar": "arabic", "hi": "hindi",
}

// Supported returns the translatable language codes, sorted.
func Supported() []string {
	res := make([]string, 0, len(languages))
	for k := range languages {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// IsSupported reports whether code can be used as a target language.
func IsSupported(code string) bool {
	_, ok := languages[code]
	return ok
}

// Client talks to a LibreTranslate-compatible service.
type Client struct {
	httpclient *http.Client
	url        string
	timeout    time.Duration
	backoff    func() backoff.BackOff
}

// NewClient creates a translation client for the given service URL.
func NewClient(serviceURL string) (*Client, error) {
	if serviceURL == "" {
		return nil, errors.New("no translate service URL")
	}
	return &Client{
		httpclient: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		}},
		url:     strings.TrimSuffix(serviceURL, "/"),
		timeout: 30 * time.Second,
		backoff: newSimpleBackoff,
	}, nil
}

func newSimpleBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = 15 * time.Second
	return eb
}

// Ready reports whether the client is usable. The service is stateless on
// our side, so a configured URL is enough.
func (c *Client) Ready() bool { return c.url != "" }

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage *struct {
		Confidence float64 `json:"confidence"`
		Language   string  `json:"language"`
	} `json:"detectedLanguage,omitempty"`
	Error string `json:"error,omitempty"`
}

// Translate converts text from src to dst. src may be "auto"; dst must be a
// supported code. Empty text is rejected. Transient service errors are
// retried with backoff before surfacing.
func (c *Client) Translate(ctx context.Context, text, src, dst string) (*job.TranslationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}
	if !IsSupported(dst) {
		return nil, errors.Errorf("unsupported target language: %s", dst)
	}
	if src != "auto" && !IsSupported(src) {
		return nil, errors.Errorf("unsupported source language: %s", src)
	}

	log.Debug().Str("source", src).Str("target", dst).Msg("translating text")
	var resp *translateResponse
	op := func() error {
		var err error
		resp, err = c.call(ctx, text, src, dst)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return nil, fmt.Errorf("translation failed: %w", err)
	}

	resolvedSrc := src
	if resp.DetectedLanguage != nil && resp.DetectedLanguage.Language != "" {
		resolvedSrc = resp.DetectedLanguage.Language
	}
	return &job.TranslationResult{
		OriginalText:    text,
		TranslatedText:  resp.TranslatedText,
		SourceLanguage:  resolvedSrc,
		TargetLanguage:  dst,
		ConfidenceScore: confidence(text, resp.TranslatedText),
	}, nil
}

func (c *Client) call(ctx context.Context, text, src, dst string) (*translateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(translateRequest{Q: text, Source: src, Target: dst, Format: "text"})
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/translate", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("can't call translate service: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 10000))
		_ = httpResp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("translate service error: %s", httpResp.Status)
	}
	var resp translateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("can't parse translate response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		msg := resp.Error
		if msg == "" {
			msg = httpResp.Status
		}
		return nil, backoff.Permanent(fmt.Errorf("translate service rejected request: %s", msg))
	}
	return &resp, nil
}

// confidence is a heuristic: the service reports none, so score by text
// characteristics the way short, identical, or very long texts degrade.
func confidence(original, translated string) float64 {
	score := 0.8
	if len(original) < 10 {
		score -= 0.2
	}
	if original == translated {
		score -= 0.3
	}
	if len(original) > 1000 {
		score -= 0.1
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
