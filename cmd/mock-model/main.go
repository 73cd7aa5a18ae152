// Package main implements a mock model server for offline runs of the
// vendora pipeline. It serves OpenAI-compatible /v1/chat/completions
// responses from JSON fixture files, routing by the "model" field, so the
// full dispatch/draft/validate loop can run deterministically without a
// real model behind it.
//
// Usage:
//
//	mock-model -fixtures /path/to/fixtures -port 8089
//
// Point a registry at it with an openai-provider endpoint whose URL is
// http://localhost:8089/v1 and whose model name matches a fixture. A fixture
// file named "mock-validator.json" answers model "mock-validator"; numbered
// files ("mock-validator.1.json", "mock-validator.2.json") are served in
// call order before the base file repeats, which is how a revise-then-approve
// validator is scripted. Without -fixtures, built-in dealership responses are
// served for the models "mock-dispatcher", "mock-analyst", and
// "mock-validator".
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type server struct {
	mu       sync.Mutex
	fixtures map[string][]string // model name -> ordered fixture contents
	served   map[string]int      // model name -> calls answered
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures: fixtures,
		served:   make(map[string]int),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of fixture response files (empty = built-in demo responses)")
	port := flag.Int("port", 8089, "port to listen on")
	flag.Parse()

	fixtures := builtinFixtures()
	if *fixtureDir != "" {
		loaded, err := loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		fixtures = loaded
	}

	log.Printf("Serving %d model(s)", len(fixtures))
	for model, seq := range fixtures {
		log.Printf("  model: %s (%d fixture(s))", model, len(seq))
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock model server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content, ok := s.next(req.Model)
	if !ok {
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens(req.Messages),
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptTokens(req.Messages) + len(content)/4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	stats := make(map[string]int, len(s.served))
	for k, v := range s.served {
		stats[k] = v
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// next returns the fixture for a model's current call. Numbered fixtures are
// consumed in order; the base fixture then repeats indefinitely.
func (s *server) next(model string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.fixtures[model]
	if !ok || len(seq) == 0 {
		return "", false
	}

	idx := s.served[model]
	s.served[model]++
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], true
}

func promptTokens(messages []chatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

// numberedFixture matches "name.N.json".
var numberedFixture = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads a directory of fixture files into per-model sequences:
// numbered files in numeric order, then the base file as repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		n       int
		content string
	}
	sequences := make(map[string][]numbered)
	bases := make(map[string]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", name, err)
		}

		if m := numberedFixture.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[2])
			sequences[m[1]] = append(sequences[m[1]], numbered{n: n, content: string(data)})
			continue
		}
		bases[strings.TrimSuffix(name, ".json")] = string(data)
	}

	fixtures := make(map[string][]string)
	for model, seq := range sequences {
		sort.Slice(seq, func(i, j int) bool { return seq[i].n < seq[j].n })
		for _, f := range seq {
			fixtures[model] = append(fixtures[model], f.content)
		}
	}
	for model, base := range bases {
		fixtures[model] = append(fixtures[model], base)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no .json fixtures in %s", dir)
	}
	return fixtures, nil
}

// builtinFixtures scripts one full revise-then-approve pass over the demo
// dealership data.
func builtinFixtures() map[string][]string {
	return map[string][]string{
		"mock-dispatcher": {
			`{"complexity": "standard", "data_sources": ["sales"], "time_range": "last quarter", "key_metrics": ["units_sold"], "methodology": "ranking"}`,
		},
		"mock-analyst": {
			`{"summary": "Atlas led the quarter with 65 units sold.", "key_metrics": {"units_sold": 65}, "insights": ["Atlas outsold Meridian 2:1"], "recommendations": [{"priority": "medium", "action": "Increase Atlas allocation for next quarter"}]}`,
		},
		"mock-validator": {
			`{"data_accuracy": 0.9, "methodology": 0.7, "business_logic": 0.9, "compliance": 0.95, "issues": ["include prior-period comparison"]}`,
			`{"data_accuracy": 0.92, "methodology": 0.9, "business_logic": 0.9, "compliance": 0.95, "issues": []}`,
		},
	}
}
