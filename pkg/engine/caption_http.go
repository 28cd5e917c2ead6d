package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/procorch/pkg/config"
	"github.com/codeready-toolchain/procorch/pkg/model"
)

// httpCaptionEngine is the external HTTP-based captioning adapter (spec
// §4.2): identical outward Engine contract, but load/unload are no-ops and
// estimate_vram is always 0 since the model runs outside our process.
// Client construction (bearer-token round-tripper, timeout) is grounded on
// the teacher's pkg/mcp/transport.go buildHTTPClient/bearerTokenTransport
// pair.
type httpCaptionEngine struct {
	cfg     config.HTTPCaptionConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPCaptionEngine builds the OpenAI-compatible chat-completion client.
// limiter bounds outbound request rate (the spec's adapters are expected to
// sit behind shared provider rate limits).
func NewHTTPCaptionEngine(cfg config.HTTPCaptionConfig, limiter *rate.Limiter) Engine {
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.APIKeyEnv != "" {
		client.Transport = &bearerTokenTransport{
			base:  http.DefaultTransport,
			token: os.Getenv(cfg.APIKeyEnv),
		}
	}
	return &httpCaptionEngine{cfg: cfg, client: client, limiter: limiter}
}

func (e *httpCaptionEngine) EstimateVRAM(string, int) (float64, error) {
	return 0, nil
}

func (e *httpCaptionEngine) Load(context.Context, string, int) (Instance, error) {
	return &httpCaptionInstance{engine: e, lastUsedAt: time.Now()}, nil
}

// bearerTokenTransport wraps an http.RoundTripper to add Authorization
// headers, mirrored from the teacher's pkg/mcp/transport.go.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// httpCaptionInstance is a no-op "load": there is no VRAM or local process
// to hold, but it still implements Instance so the Model Pool's
// acquire/release bookkeeping works uniformly across engines.
type httpCaptionInstance struct {
	engine     *httpCaptionEngine
	lastUsedAt time.Time
}

type chatMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (inst *httpCaptionInstance) InferBatch(ctx context.Context, inputs []Input) ([]Output, error) {
	outputs := make([]Output, len(inputs))
	for i, in := range inputs {
		if err := inst.engine.limiter.Wait(ctx); err != nil {
			return nil, model.NewError(model.KindCancelled, "engine.infer_batch", err)
		}
		caption, err := inst.engine.caption(ctx, in.Path, in.Prompt)
		if err != nil {
			return nil, err
		}
		outputs[i] = Output{ImageID: in.ImageID, Caption: caption}
	}
	inst.lastUsedAt = time.Now()
	return outputs, nil
}

func (e *httpCaptionEngine) caption(ctx context.Context, path, prompt string) (*model.CaptionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewError(model.KindBadInput, "engine.infer_batch", fmt.Errorf("reading %s: %w", path, err))
	}
	dataURL := fmt.Sprintf("data:image/%s;base64,%s", mimeSuffix(path), base64.StdEncoding.EncodeToString(data))

	reqBody := chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []any{
				map[string]string{"type": "text", "text": prompt},
				map[string]any{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, model.NewError(model.KindFatal, "engine.infer_batch", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, model.NewError(model.KindFatal, "engine.infer_batch", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "engine.infer_batch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, model.NewError(model.KindTransient, "engine.infer_batch", fmt.Errorf("caption provider returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, model.NewError(model.KindBackendError, "engine.infer_batch", fmt.Errorf("caption provider returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "engine.infer_batch", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.NewError(model.KindBackendError, "engine.infer_batch", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, model.NewError(model.KindBackendError, "engine.infer_batch", fmt.Errorf("caption provider returned no choices"))
	}

	return &model.CaptionResult{Text: parsed.Choices[0].Message.Content, Source: e.cfg.Model, Prompt: prompt}, nil
}

func mimeSuffix(path string) string {
	switch ext := filepath.Ext(path); ext {
	case ".png":
		return "png"
	case ".webp":
		return "webp"
	default:
		return "jpeg"
	}
}

func (inst *httpCaptionInstance) Unload(context.Context) error { return nil }
func (inst *httpCaptionInstance) LastUsedAt() time.Time        { return inst.lastUsedAt }
func (inst *httpCaptionInstance) Touch()                       { inst.lastUsedAt = time.Now() }
