// Package namer produces descriptive worker names. When an LLM API key is
// configured the name is generated from the task description; otherwise a
// deterministic adjective-noun fallback is used.
package namer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/task"
)

// Config holds name generation settings.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	MaxRetries      int
	MaxLength       int

	// AnthropicURL and OpenAIURL override the API endpoints in tests.
	AnthropicURL string
	OpenAIURL    string

	HTTPClient *http.Client
}

// NewConfig returns a config populated from the environment.
func NewConfig() Config {
	return Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		MaxRetries:      3,
		MaxLength:       32,
		AnthropicURL:    "https://api.anthropic.com/v1/messages",
		OpenAIURL:       "https://api.openai.com/v1/chat/completions",
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Generator implements worker name generation with an LLM backend and a
// local fallback.
type Generator struct {
	cfg Config

	mu  sync.Mutex
	seq map[task.Type]int
}

// New creates a Generator.
func New(cfg Config) *Generator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 32
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Generator{cfg: cfg, seq: make(map[task.Type]int)}
}

// GenerateName returns a short descriptive name for a worker of the given
// type. The hint, usually the task description, steers LLM generation. LLM
// failures fall back to a local name rather than failing the spawn.
func (g *Generator) GenerateName(typ task.Type, hint string) (string, error) {
	if hint != "" && (g.cfg.AnthropicAPIKey != "" || g.cfg.OpenAIAPIKey != "") {
		name, err := g.generateLLM(hint)
		if err == nil && name != "" {
			return name, nil
		}
		if err != nil {
			log.WarningLog.Printf("LLM name generation failed, using fallback: %v", err)
		}
	}
	return g.Fallback(typ, hint), nil
}

func (g *Generator) generateLLM(hint string) (string, error) {
	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		var name string
		var err error
		if g.cfg.AnthropicAPIKey != "" {
			name, err = g.anthropic(hint)
		} else {
			name, err = g.openAI(hint)
		}
		if err != nil {
			return "", err
		}
		clean := CleanName(name)
		if clean != "" && len(clean) <= g.cfg.MaxLength {
			return clean, nil
		}
	}
	return "", fmt.Errorf("no valid name within %d attempts", g.cfg.MaxRetries)
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []llmMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"content"`
}

func (g *Generator) anthropic(hint string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     "claude-3-haiku-20240307",
		MaxTokens: 50,
		Messages:  []llmMessage{{Role: "user", Content: buildPrompt(hint)}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, g.cfg.AnthropicURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.cfg.AnthropicAPIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(b))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	return strings.TrimSpace(out.Content[0].Text), nil
}

type openAIRequest struct {
	Model     string       `json:"model"`
	Messages  []llmMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message llmMessage `json:"message"`
	} `json:"choices"`
}

func (g *Generator) openAI(hint string) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:     "gpt-3.5-turbo",
		Messages:  []llmMessage{{Role: "user", Content: buildPrompt(hint)}},
		MaxTokens: 50,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, g.cfg.OpenAIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.OpenAIAPIKey)

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(b))
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

var ticketRegex = regexp.MustCompile(`(?i)(?:ticket|issue|bug|task|story)[\s#-]*(\w+[-\w]*\d+|\d+[-\w]*\w*|\d+)`)

func buildPrompt(hint string) string {
	base := `Generate a concise worker name for this task. The name must be under 32 characters and use hyphens between words (no spaces). Make it descriptive but brief.`

	if m := ticketRegex.FindStringSubmatch(hint); len(m) > 1 {
		base += fmt.Sprintf(` If there's a ticket number (%s), use the format: %s-keyword (e.g., %s-auth, %s-fix).`, m[1], m[1], m[1], m[1])
	} else {
		base += ` Use format: keyword (e.g., auth-fix, add-validation, refactor-api).`
	}

	return base + "\n\nTask: " + hint + "\n\nReturn only the worker name, nothing else."
}

var (
	nonNameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)
	multiHyphen  = regexp.MustCompile(`-+`)
)

// CleanName strips quotes, replaces spaces with hyphens, and drops anything
// that is not alphanumeric, hyphen, or underscore.
func CleanName(name string) string {
	name = strings.Trim(name, `"' `)
	name = strings.ReplaceAll(name, " ", "-")
	name = nonNameChars.ReplaceAllString(name, "")
	name = multiHyphen.ReplaceAllString(name, "-")
	return strings.Trim(name, "-_")
}

var adjectives = []string{
	"amber", "brisk", "calm", "deft", "eager", "fleet", "keen", "lucid",
	"nimble", "quiet", "rapid", "sharp", "steady", "swift", "vivid", "wry",
}

var nouns = []string{
	"badger", "condor", "falcon", "heron", "ibex", "jackal", "lynx",
	"marmot", "osprey", "otter", "puffin", "raven", "stoat", "tern",
	"viper", "wren",
}

// Fallback builds a name without network access. The same hint always maps
// to the same adjective-noun pair; repeated calls for a type cycle through
// pairs so concurrent workers get distinct names.
func (g *Generator) Fallback(typ task.Type, hint string) string {
	g.mu.Lock()
	n := g.seq[typ]
	g.seq[typ]++
	g.mu.Unlock()

	h := fnv.New32a()
	h.Write([]byte(string(typ) + "|" + hint))
	seed := int(h.Sum32())
	if seed < 0 {
		seed = -seed
	}
	adj := adjectives[(seed+n)%len(adjectives)]
	noun := nouns[(seed/7+n)%len(nouns)]
	return fmt.Sprintf("%s-%s-%s", adj, noun, typ)
}
