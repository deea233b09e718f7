// Package worker implements the Worker Spawner (§4.6): short-lived
// subprocess workers bounded by a per-parent concurrency cap, validated
// against the parent's tool allow-list, rate-limited against the external
// tracker, and reporting back through a worker_result message.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrinfleet/agentfleet/internal/fabric"
)

// DefaultMaxConcurrent is the per-parent hard cap (§4.6, §6 WORKER_MAX_CONCURRENT).
const DefaultMaxConcurrent = 3

// DefaultTimeout is the per-task subprocess timeout; ImageTimeout applies
// when the task requests an image-generation tool (§5).
const (
	DefaultTimeout = 60 * time.Second
	ImageTimeout   = 180 * time.Second
)

// Task is the work item handed to one spawned worker.
type Task struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Text  string   `json:"text"`
	Tools []string `json:"tools"`
}

func (t Task) validate() error {
	if t.ID == "" || t.Type == "" || t.Text == "" || len(t.Tools) == 0 {
		return fmt.Errorf("worker: task missing id/type/text/tools")
	}
	return nil
}

// SpawnRequest is the decoded payload of a spawn_worker action.
type SpawnRequest struct {
	ParentAgentType string `json:"parentAgentType"`
	Task            Task   `json:"task"`
	Agent           string `json:"agent,omitempty"` // named-agent override, routed elsewhere
}

// PolicyChecker is the narrow allow-list surface the spawner needs.
type PolicyChecker interface {
	AllowCapability(capability string) bool
	AllowHTTPURL(raw string) bool
}

// Tracker opens an approval issue when a worker hits a blocked domain.
type Tracker interface {
	OpenIssue(ctx context.Context, title, body, category, assignee string) (issueID string, err error)
}

// RAGStore indexes and retrieves successful API usage patterns (§4.6 steps 4, 6).
type RAGStore interface {
	IndexPattern(ctx context.Context, apiUsed, pattern string) error
	RetrievePatterns(ctx context.Context, keywords []string, topK int) ([]string, error)
}

// NoopRAGStore satisfies RAGStore when no RAG endpoint is configured.
type NoopRAGStore struct{}

func (NoopRAGStore) IndexPattern(ctx context.Context, apiUsed, pattern string) error { return nil }
func (NoopRAGStore) RetrievePatterns(ctx context.Context, keywords []string, topK int) ([]string, error) {
	return nil, nil
}

// Runner executes one worker's subprocess and returns its raw stdout.
type Runner interface {
	Run(ctx context.Context, configPath, taskText string) (string, error)
}

// apiKnowledgeEntry is one row of the static API-knowledge registry
// consulted by task keyword (§4.6 step 4).
type apiKnowledgeEntry struct {
	Keyword   string
	Knowledge string
}

var apiKnowledgeRegistry = []apiKnowledgeEntry{
	{"price", "Use the price feed's /v1/quote endpoint; respect its documented rate limit."},
	{"github", "Use the code-hosting REST API with a scoped token; prefer conditional requests."},
	{"twitter", "Use the social API's v2 endpoints; batch lookups where supported."},
}

// domainBlocklist matches hosts a worker must never reach by default (§4.6
// step 5). A hit here is only cleared if the loaded policy's AllowDomains
// explicitly allowlists the host — operators can override the default
// blocklist per-deployment, but nothing here can widen it.
var domainBlocklist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(pastebin\.com|ngrok\.io)\b`),
}

// Spawner is the bounded, rate-limited worker factory.
type Spawner struct {
	policy      PolicyChecker
	broker      *fabric.Broker
	tracker     Tracker
	rag         RAGStore
	runner      Runner
	rateLimiter *RateLimiter
	dryRun      bool

	maxConcurrent int
	configDir     string

	mu          sync.Mutex
	activeCount map[string]int
	configCache map[string]string

	logger *slog.Logger
}

// Config bundles Spawner construction parameters.
type Config struct {
	Policy        PolicyChecker
	Broker        *fabric.Broker
	Tracker       Tracker
	RAG           RAGStore
	Runner        Runner
	MaxConcurrent int
	ConfigDir     string
	DryRun        bool
	Logger        *slog.Logger

	// RateLimiter gates the tracker writes reportBlockedDomain issues. When
	// nil, the Spawner builds its own — but callers that also construct an
	// action.Dispatcher should pass the same instance both places so the
	// process has one token bucket against the external tracker, not two
	// (§9).
	RateLimiter *RateLimiter
}

// New builds a Spawner. A nil Runner falls back to subprocessRunner, which
// shells out via os/exec.
func New(cfg Config) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RAG == nil {
		cfg.RAG = NoopRAGStore{}
	}
	if cfg.Runner == nil {
		cfg.Runner = subprocessRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = os.TempDir()
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(1, time.Second)
	}
	return &Spawner{
		policy:        cfg.Policy,
		broker:        cfg.Broker,
		tracker:       cfg.Tracker,
		rag:           cfg.RAG,
		runner:        cfg.Runner,
		rateLimiter:   cfg.RateLimiter,
		dryRun:        cfg.DryRun,
		maxConcurrent: cfg.MaxConcurrent,
		configDir:     cfg.ConfigDir,
		activeCount:   map[string]int{},
		configCache:   map[string]string{},
		logger:        cfg.Logger,
	}
}

// ErrConcurrencyCapped is returned (wrapped) when a parent is already at its
// worker concurrency cap; the dispatcher treats this as a permanent, no-retry
// failure (§4.6: "A claim beyond the cap is rejected ... no queueing").
var ErrConcurrencyCapped = fmt.Errorf("worker: concurrency cap reached")

// Spawn validates and launches one worker for parentAgentID, asynchronously.
// It returns promptly once validation passes; the worker's outcome is
// delivered later as a worker_result message on the parent's channel.
// A non-nil error here is always a validation/capacity failure, never a
// subprocess-execution failure, and should not be retried by the caller.
func (s *Spawner) Spawn(ctx context.Context, parentAgentID string, data json.RawMessage) error {
	var req SpawnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("worker: decode spawn request: %w", err)
	}
	if req.Agent != "" {
		return fmt.Errorf("worker: named-agent routing for %q is not handled by the subprocess spawner", req.Agent)
	}
	if err := req.Task.validate(); err != nil {
		return err
	}

	for _, tool := range req.Task.Tools {
		if !s.policy.AllowCapability(tool) {
			return fmt.Errorf("worker: tool %q not in parent's allow-list", tool)
		}
	}

	if !s.tryAcquire(parentAgentID) {
		return fmt.Errorf("%w for parent %s", ErrConcurrencyCapped, parentAgentID)
	}

	go s.run(context.WithoutCancel(ctx), parentAgentID, req)
	return nil
}

func (s *Spawner) tryAcquire(parentAgentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCount[parentAgentID] >= s.maxConcurrent {
		return false
	}
	s.activeCount[parentAgentID]++
	return true
}

func (s *Spawner) release(parentAgentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCount[parentAgentID]--
	if s.activeCount[parentAgentID] <= 0 {
		delete(s.activeCount, parentAgentID)
	}
}

// workerResult is the payload delivered back to the parent (§4.6 step 7).
type workerResult struct {
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	APIUsed string `json:"apiUsed,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Spawner) run(ctx context.Context, parentAgentID string, req SpawnRequest) {
	defer s.release(parentAgentID)

	timeout := DefaultTimeout
	for _, t := range req.Task.Tools {
		if t == "tools.image_generation" {
			timeout = ImageTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := s.execute(runCtx, parentAgentID, req.Task)
	s.deliver(ctx, parentAgentID, result)
}

func (s *Spawner) execute(ctx context.Context, parentAgentID string, task Task) workerResult {
	effectiveTools := s.effectiveTools(task.Tools)
	configPath, err := s.toolConfigPath(effectiveTools)
	if err != nil {
		return workerResult{TaskID: task.ID, Success: false, Error: err.Error()}
	}

	patterns, _ := s.rag.RetrievePatterns(ctx, keywordsFor(task.Text), 5)
	taskText := s.augmentTaskText(task, effectiveTools, patterns)

	out, err := s.runner.Run(ctx, configPath, taskText)
	if err != nil {
		return workerResult{TaskID: task.ID, Success: false, Error: err.Error()}
	}

	if blocked := findBlockedDomain(out); blocked != "" && !s.policy.AllowHTTPURL("https://"+blocked) {
		s.reportBlockedDomain(ctx, parentAgentID, task, blocked)
		return workerResult{TaskID: task.ID, Success: false, Error: fmt.Sprintf("blocked domain detected: %s", blocked)}
	}

	apiUsed, resultText := parseWorkerOutput(out)
	if apiUsed != "" {
		_ = s.rag.IndexPattern(ctx, apiUsed, taskText)
	}

	return workerResult{TaskID: task.ID, Success: true, Result: resultText, APIUsed: apiUsed}
}

// effectiveTools removes write-capable tools in dry-run mode (§4.6 step 3, §5).
func (s *Spawner) effectiveTools(tools []string) []string {
	if !s.dryRun {
		out := make([]string, len(tools))
		copy(out, tools)
		return out
	}
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if strings.Contains(t, "write") || strings.Contains(t, "mutate") || strings.Contains(t, "exec") {
			continue
		}
		out = append(out, t)
	}
	return out
}

// toolConfigPath writes (or reuses, from cache) the tool-server config file
// for the given tool set + dry-run flag (§4.6 step 3: "cached by sorted
// tool-list + dry-run flag").
func (s *Spawner) toolConfigPath(tools []string) (string, error) {
	sorted := append([]string(nil), tools...)
	sort.Strings(sorted)
	cacheKey := fmt.Sprintf("%v|dryrun=%v", sorted, s.dryRun)

	s.mu.Lock()
	if path, ok := s.configCache[cacheKey]; ok {
		s.mu.Unlock()
		return path, nil
	}
	s.mu.Unlock()

	cfg := map[string]any{"tools": sorted, "dryRun": s.dryRun}
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("worker: marshal tool config: %w", err)
	}
	path := filepath.Join(s.configDir, fmt.Sprintf("toolconfig-%x.json", uuid.New()))
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("worker: write tool config: %w", err)
	}

	s.mu.Lock()
	s.configCache[cacheKey] = path
	s.mu.Unlock()
	return path, nil
}

func (s *Spawner) augmentTaskText(task Task, tools []string, patterns []string) string {
	var b strings.Builder
	b.WriteString(task.Text)
	b.WriteString("\n\n--- coding standards ---\nFollow repository conventions; write tests for behavioural changes.\n")
	b.WriteString("--- domain whitelist ---\n")
	b.WriteString(strings.Join(tools, ", "))
	b.WriteString("\n")
	if knowledge := apiKnowledgeFor(task.Text); knowledge != "" {
		b.WriteString("--- api knowledge ---\n")
		b.WriteString(knowledge)
		b.WriteString("\n")
	}
	if len(patterns) > 0 {
		b.WriteString("--- previous successful api patterns ---\n")
		b.WriteString(strings.Join(patterns, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func apiKnowledgeFor(taskText string) string {
	lower := strings.ToLower(taskText)
	var out []string
	for _, entry := range apiKnowledgeRegistry {
		if strings.Contains(lower, entry.Keyword) {
			out = append(out, entry.Knowledge)
		}
	}
	return strings.Join(out, "\n")
}

func keywordsFor(taskText string) []string {
	return strings.Fields(strings.ToLower(taskText))
}

func findBlockedDomain(output string) string {
	for _, re := range domainBlocklist {
		if m := re.FindString(output); m != "" {
			return m
		}
	}
	return ""
}

func (s *Spawner) reportBlockedDomain(ctx context.Context, parentAgentID string, task Task, domain string) {
	if s.tracker != nil {
		if err := s.rateLimiter.Wait(ctx); err != nil {
			s.logger.Warn("worker: rate limiter wait aborted", "error", err)
			return
		}
		_, err := s.tracker.OpenIssue(ctx,
			fmt.Sprintf("Domain approval needed: %s", domain),
			fmt.Sprintf("Worker task %s attempted to reach blocked domain %s", task.ID, domain),
			"domain_approval", "")
		if err != nil {
			s.logger.Warn("worker: failed to open domain approval issue", "domain", domain, "error", err)
		}
	}
	if s.broker != nil {
		payload, _ := json.Marshal(map[string]string{"domain": domain, "taskId": task.ID})
		m := fabric.Message{
			ID:        uuid.NewString(),
			Type:      "domain_approval_needed",
			From:      parentAgentID,
			To:        fabric.ChannelBroadcast,
			Payload:   payload,
			Priority:  fabric.PriorityHigh,
			Timestamp: time.Now().UTC(),
		}
		if err := s.broker.Publish(ctx, fabric.ChannelBroadcast, m); err != nil {
			s.logger.Warn("worker: failed to publish domain_approval_needed", "error", err)
		}
	}
}

func (s *Spawner) deliver(ctx context.Context, parentAgentID string, result workerResult) {
	if s.broker == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("worker: failed to marshal result", "error", err)
		return
	}
	m := fabric.Message{
		ID:        uuid.NewString(),
		Type:      "worker_result",
		From:      "worker",
		To:        parentAgentID,
		Payload:   payload,
		Priority:  fabric.PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
	if err := s.broker.Publish(ctx, fabric.AgentChannel(parentAgentID), m); err != nil {
		s.logger.Error("worker: failed to deliver worker_result", "error", err)
	}
}

// parseWorkerOutput extracts {"apiUsed": "...", "result": "..."} from a
// subprocess's stdout, falling back to treating the whole output as result
// text when no such JSON object is present.
func parseWorkerOutput(out string) (apiUsed, result string) {
	var decoded struct {
		APIUsed string `json:"apiUsed"`
		Result  string `json:"result"`
	}
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &decoded) == nil {
		return decoded.APIUsed, decoded.Result
	}
	return "", out
}

// subprocessRunner shells out to a bare os/exec subprocess; used when
// WORKER_SANDBOX is unset or not "docker".
type subprocessRunner struct {
	command string // defaults to "agentfleet-worker" if empty
}

func (r subprocessRunner) Run(ctx context.Context, configPath, taskText string) (string, error) {
	command := r.command
	if command == "" {
		command = "agentfleet-worker"
	}
	cmd := exec.CommandContext(ctx, command, "--config", configPath)
	cmd.Stdin = strings.NewReader(taskText)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("worker subprocess: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}
