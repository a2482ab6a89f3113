package chat

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// FeatureName is the feature flag value that enables the assistant.
const FeatureName = "ai-assistant"

const (
	msgRequired  = "Field message is required!"
	msgLimited   = "Message limit reached for this thread"
	msgSSEFailed = "An error occurred while processing SSE."
)

// Relay forwards a chat message to the assistant and streams the answer
// back as server-sent events.
type Relay struct {
	// AssistantURL is the agent base URL, ending in a slash.
	AssistantURL string
	APIKey       string
	// FeatureFlag disables the endpoint unless empty or FeatureName.
	FeatureFlag string

	limiter *RateLimiter
	http    *upstream.Client
	log     zerolog.Logger
}

// NewRelay returns a relay owning limiter. client must not time out
// requests since answers are streamed.
func NewRelay(assistantURL, apiKey string, limiter *RateLimiter, client *upstream.Client) *Relay {
	return &Relay{
		AssistantURL: assistantURL,
		APIKey:       apiKey,
		limiter:      limiter,
		http:         client,
		log:          logging.Component("chat"),
	}
}

// Limiter returns the relay's rate limiter.
func (rl *Relay) Limiter() *RateLimiter { return rl.limiter }

type runRequest struct {
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
	Streaming *bool  `json:"streaming"`
}

type agentRequest struct {
	Message      string `json:"message"`
	ThreadID     string `json:"thread_id"`
	StreamTokens bool   `json:"stream_tokens"`
}

type chunk struct {
	Content string `json:"content"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ServeHTTP handles POST /api/create-run.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rl.FeatureFlag != "" && rl.FeatureFlag != FeatureName {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rl.log.Error().Err(err).Msg("chat request not decoded")
		metrics.ChatMessages.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, msgSSEFailed)
		return
	}
	if req.ThreadID == "" || req.Message == "" {
		metrics.ChatMessages.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, msgRequired)
		return
	}
	if count, ok := rl.limiter.Allow(req.ThreadID); !ok {
		metrics.ChatMessages.WithLabelValues("limited").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        msgLimited,
			"messageCount": count,
		})
		return
	}

	streaming := true
	if req.Streaming != nil {
		streaming = *req.Streaming
	}
	body, err := json.Marshal(agentRequest{
		Message:      strings.TrimSpace(req.Message),
		ThreadID:     req.ThreadID,
		StreamTokens: streaming,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgSSEFailed)
		return
	}

	up, err := http.NewRequestWithContext(r.Context(), http.MethodPost, rl.AssistantURL+"agent/stream", bytes.NewReader(body))
	if err != nil {
		rl.log.Error().Err(err).Msg("assistant request not built")
		writeError(w, http.StatusInternalServerError, msgSSEFailed)
		return
	}
	up.Header.Set("Content-Type", "application/json")
	if rl.APIKey != "" {
		up.Header.Set("X-API-Key", rl.APIKey)
	}

	resp, err := rl.http.Do(up)
	if err != nil {
		rl.log.Error().Err(err).Msg("assistant unreachable")
		metrics.ChatMessages.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, msgSSEFailed)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		metrics.ChatMessages.WithLabelValues("upstream_error").Inc()
		writeError(w, resp.StatusCode, "Run initiation failed: "+string(text))
		return
	}

	metrics.ChatMessages.WithLabelValues("accepted").Inc()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rl.stream(w, resp.Body)
}

// stream re-emits every "data:" line carrying content. Other lines are
// dropped; lines that are not JSON are logged and skipped.
func (rl *Relay) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var c chunk
		if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &c); err != nil {
			metrics.ChatMalformedChunks.Inc()
			rl.log.Warn().Err(err).Msg("malformed assistant chunk")
			continue
		}
		if c.Content == "" {
			continue
		}
		out, err := json.Marshal(c)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(out) + "\n\n")); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := sc.Err(); err != nil {
		rl.log.Warn().Err(err).Msg("assistant stream ended with error")
	}
}
