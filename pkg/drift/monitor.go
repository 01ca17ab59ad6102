// Package drift detects persona/identity drift by comparing agent-authored
// outputs against the active identity descriptor. Three channels feed the
// score: lexical similarity to style exemplars, hard-constraint violations,
// and topic divergence from the persona's vocabulary. Soft drift is averaged
// over a rolling window; hard-constraint violations fire immediately.
package drift

import (
	"context"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Severity of a drift signal.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Channel weights for the combined score. Constraint violations add a flat
// penalty per hit on top, so a single violation dominates the score.
const (
	lexicalWeight    = 0.5
	topicWeight      = 0.3
	violationPenalty = 0.5
)

// Observation is the monitor's verdict on one agent output.
type Observation struct {
	Score         float64  `json:"score"`
	Lexical       float64  `json:"lexical"`
	Topic         float64  `json:"topic"`
	Violations    []string `json:"violations,omitempty"`
	WindowAverage float64  `json:"window_average"`
	SoftExceeded  bool     `json:"soft_exceeded"`
	Critical      bool     `json:"critical"`
}

// Snapshot is the monitor state read by the auditor and invariant checker.
type Snapshot struct {
	WindowAverage   float64
	LastScore       float64
	CriticalCount   int
	IdentityHash    string
	IdentityVersion int
}

// constraintMatcher is one compiled hard constraint.
type constraintMatcher struct {
	raw     string
	phrase  string
	pattern *regexp.Regexp
}

// Monitor tracks drift against a reference identity descriptor.
type Monitor struct {
	mu            sync.Mutex
	cfg           config.DriftConfig
	publisher     *events.Publisher
	reference     models.IdentityDescriptor
	exemplars     [][]string // tokenized style exemplars
	vocabulary    map[string]bool
	constraints   []constraintMatcher
	window        []float64
	lastScore     float64
	criticalCount int
}

// NewMonitor creates a drift monitor referencing the given descriptor.
func NewMonitor(cfg config.DriftConfig, publisher *events.Publisher, descriptor models.IdentityDescriptor) *Monitor {
	m := &Monitor{cfg: cfg, publisher: publisher}
	m.SetReference(descriptor)
	return m
}

// SetReference swaps the reference descriptor. Called on identity updates;
// the rolling window is reset since old scores measured a different persona.
func (m *Monitor) SetReference(descriptor models.IdentityDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reference = descriptor
	m.window = nil

	exemplars := []string{descriptor.Persona, descriptor.CommunicationStyle}
	for _, v := range descriptor.SoftPreferences {
		exemplars = append(exemplars, v)
	}
	m.exemplars = nil
	m.vocabulary = make(map[string]bool)
	for _, ex := range exemplars {
		tokens := tokenize(ex)
		if len(tokens) == 0 {
			continue
		}
		m.exemplars = append(m.exemplars, tokens)
		for _, t := range tokens {
			m.vocabulary[t] = true
		}
	}

	m.constraints = nil
	for _, raw := range descriptor.HardConstraints {
		m.constraints = append(m.constraints, compileConstraint(raw))
	}
}

// compileConstraint builds a matcher from a hard-constraint string.
// "pattern:<regex>" compiles the regex; anything else is reduced to a
// forbidden phrase by stripping the leading prohibition verbs
// ("never reveal private keys" → "private keys").
func compileConstraint(raw string) constraintMatcher {
	if rest, ok := strings.CutPrefix(raw, "pattern:"); ok {
		if re, err := regexp.Compile("(?i)" + rest); err == nil {
			return constraintMatcher{raw: raw, pattern: re}
		}
	}

	phrase := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"never ", "do not ", "don't "} {
		phrase = strings.TrimPrefix(phrase, prefix)
	}
	for _, verb := range []string{"reveal ", "share ", "mention ", "disclose ", "expose ", "output "} {
		phrase = strings.TrimPrefix(phrase, verb)
	}
	return constraintMatcher{raw: raw, phrase: phrase}
}

func (c constraintMatcher) violated(output string) bool {
	if c.pattern != nil {
		return c.pattern.MatchString(output)
	}
	if c.phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(output), c.phrase)
}

// Observe scores one agent-authored output. Hard-constraint violations fire
// a critical drift.exceeded event immediately, regardless of the window;
// soft drift fires when the rolling window average exceeds the soft
// threshold.
func (m *Monitor) Observe(ctx context.Context, episodeID, output string) Observation {
	m.mu.Lock()

	var violations []string
	for _, c := range m.constraints {
		if c.violated(output) {
			violations = append(violations, c.raw)
		}
	}

	tokens := tokenize(output)
	lexical := 1.0 - m.bestExemplarSimilarity(tokens)
	topic := m.topicDivergence(tokens)

	score := lexicalWeight*lexical + topicWeight*topic + violationPenalty*float64(len(violations))
	if score > 1 {
		score = 1
	}

	m.window = append(m.window, score)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	avg := 0.0
	for _, s := range m.window {
		avg += s
	}
	avg /= float64(len(m.window))

	m.lastScore = score
	critical := len(violations) > 0 || score >= m.cfg.HardThreshold
	if critical {
		m.criticalCount++
	}
	softExceeded := avg >= m.cfg.SoftThreshold

	m.mu.Unlock()

	obs := Observation{
		Score:         score,
		Lexical:       lexical,
		Topic:         topic,
		Violations:    violations,
		WindowAverage: avg,
		SoftExceeded:  softExceeded,
		Critical:      critical,
	}

	if critical {
		m.publisher.Emit(ctx, models.EventDriftExceeded, episodeID, map[string]any{
			"severity":   SeverityCritical,
			"score":      score,
			"violations": violations,
		})
	} else if softExceeded {
		m.publisher.Emit(ctx, models.EventDriftExceeded, episodeID, map[string]any{
			"severity":       SeverityWarning,
			"score":          score,
			"window_average": avg,
		})
	}

	return obs
}

// ResetWindow clears the rolling window and last score. Called when the
// operator exits safe mode so stale drift does not immediately re-trip the
// invariant checker.
func (m *Monitor) ResetWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = nil
	m.lastScore = 0
}

// State returns the monitor's aggregate state.
func (m *Monitor) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if len(m.window) > 0 {
		for _, s := range m.window {
			avg += s
		}
		avg /= float64(len(m.window))
	}
	return Snapshot{
		WindowAverage:   avg,
		LastScore:       m.lastScore,
		CriticalCount:   m.criticalCount,
		IdentityHash:    m.reference.Hash,
		IdentityVersion: m.reference.Version,
	}
}

// bestExemplarSimilarity returns the highest cosine similarity between the
// output and any style exemplar. Caller holds m.mu.
func (m *Monitor) bestExemplarSimilarity(tokens []string) float64 {
	if len(m.exemplars) == 0 || len(tokens) == 0 {
		return 1.0 // nothing to compare against, assume no drift
	}
	best := 0.0
	freq := termFreq(tokens)
	for _, ex := range m.exemplars {
		if sim := cosine(freq, termFreq(ex)); sim > best {
			best = sim
		}
	}
	return best
}

// topicDivergence is the fraction of content words outside the persona
// vocabulary. Caller holds m.mu.
func (m *Monitor) topicDivergence(tokens []string) float64 {
	if len(tokens) == 0 || len(m.vocabulary) == 0 {
		return 0
	}
	outside := 0
	for _, t := range tokens {
		if !m.vocabulary[t] {
			outside++
		}
	}
	return float64(outside) / float64(len(tokens))
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopwords excluded from lexical/topic comparison.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "you": true, "your": true, "i": true, "my": true,
}

func tokenize(s string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(s), -1)
	out := raw[:0]
	for _, t := range raw {
		if !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

func termFreq(tokens []string) map[string]float64 {
	freq := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	return freq
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for t, va := range a {
		na += va * va
		if vb, ok := b[t]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		nb += vb * vb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
