// Package ranking implements the causal-reinforcement ranking policy: a
// learned score table keyed by (service, diagnosis code) used to order
// candidate playbooks.
//
// Scores update by exponential moving average with a fixed smoothing weight.
// EMA gives O(1) updates and O(n log n) ranking, degrades to no preference
// with zero history, and tolerates the sparse one-experience-per-incident
// signal this engine produces; a full bandit or Bayesian model would be
// unnecessary overhead here.
//
// The policy is an owned component with an explicit constructor. State is
// advisory: concurrent updates are last-writer-wins, and persistence is an
// explicit Snapshot/Restore of the score table, not ambient state.
package ranking

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSmoothingWeight is the EMA weight on the old score. The new score is
// old*weight + reward*(1-weight).
const DefaultSmoothingWeight = 0.7

// Experience is one observed remediation outcome. Reward is an opaque scalar
// supplied by the caller; positive means improvement.
type Experience struct {
	IncidentID    string             `json:"incident_id,omitempty"`
	Service       string             `json:"service"`
	DiagnosisCode string             `json:"diagnosis_code"`
	Candidates    []string           `json:"candidates,omitempty"`
	Chosen        string             `json:"chosen"`
	Reward        float64            `json:"reward"`
	KPIDeltas     map[string]float64 `json:"kpi_deltas,omitempty"`
	TrustDelta    float64            `json:"trust_delta,omitempty"`
	RecordedAt    time.Time          `json:"recorded_at"`
}

type policyKey struct {
	service string
	code    string
}

// Policy is the learned score table. Safe for concurrent use.
type Policy struct {
	mu     sync.RWMutex
	weight float64
	scores map[policyKey]map[string]float64
	log    []Experience
	logger *zap.Logger
	now    func() time.Time
}

// NewPolicy creates a policy. A smoothingWeight outside (0,1) falls back to
// the default. logger may be nil.
func NewPolicy(smoothingWeight float64, logger *zap.Logger) *Policy {
	if smoothingWeight <= 0 || smoothingWeight >= 1 {
		smoothingWeight = DefaultSmoothingWeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		weight: smoothingWeight,
		scores: make(map[policyKey]map[string]float64),
		logger: logger,
		now:    time.Now,
	}
}

// RecordExperience folds one outcome into the score table and appends it to
// the experience log.
func (p *Policy) RecordExperience(exp Experience) {
	if exp.Service == "" || exp.DiagnosisCode == "" || exp.Chosen == "" {
		p.logger.Warn("dropping experience with missing key",
			zap.String("service", exp.Service),
			zap.String("diagnosis_code", exp.DiagnosisCode),
			zap.String("chosen", exp.Chosen),
		)
		return
	}
	if exp.RecordedAt.IsZero() {
		exp.RecordedAt = p.now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := policyKey{service: exp.Service, code: exp.DiagnosisCode}
	table := p.scores[key]
	if table == nil {
		table = make(map[string]float64)
		p.scores[key] = table
	}
	old := table[exp.Chosen]
	table[exp.Chosen] = old*p.weight + exp.Reward*(1-p.weight)
	p.log = append(p.log, exp)
}

// Recommend orders candidates by descending known score. Candidates with no
// recorded score are appended afterward preserving their original relative
// order, so a policy with no history is a pass-through.
func (p *Policy) Recommend(service, diagnosisCode string, candidates []string) []string {
	p.mu.RLock()
	table := p.scores[policyKey{service: service, code: diagnosisCode}]
	scored := make(map[string]float64, len(table))
	for k, v := range table {
		scored[k] = v
	}
	p.mu.RUnlock()

	known := make([]string, 0, len(candidates))
	unknown := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := scored[c]; ok {
			known = append(known, c)
		} else {
			unknown = append(unknown, c)
		}
	}
	sort.SliceStable(known, func(i, j int) bool {
		return scored[known[i]] > scored[known[j]]
	})
	return append(known, unknown...)
}

// Score returns the learned score for a playbook under the given key.
func (p *Policy) Score(service, diagnosisCode, chosen string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	table, ok := p.scores[policyKey{service: service, code: diagnosisCode}]
	if !ok {
		return 0, false
	}
	score, ok := table[chosen]
	return score, ok
}

// Experiences returns a copy of the append-only experience log.
func (p *Policy) Experiences() []Experience {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Experience, len(p.log))
	copy(out, p.log)
	return out
}

// Snapshot exports the score table keyed by "service|diagnosis_code".
func (p *Policy) Snapshot() map[string]map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]float64, len(p.scores))
	for key, table := range p.scores {
		entry := make(map[string]float64, len(table))
		for pb, score := range table {
			entry[pb] = score
		}
		out[key.service+"|"+key.code] = entry
	}
	return out
}

// Restore replaces the score table from a Snapshot export. Keys without the
// "service|diagnosis_code" shape are skipped.
func (p *Policy) Restore(snapshot map[string]map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores = make(map[policyKey]map[string]float64, len(snapshot))
	for key, table := range snapshot {
		sep := -1
		for i, r := range key {
			if r == '|' {
				sep = i
				break
			}
		}
		if sep <= 0 || sep == len(key)-1 {
			p.logger.Warn("skipping malformed snapshot key", zap.String("key", key))
			continue
		}
		entry := make(map[string]float64, len(table))
		for pb, score := range table {
			entry[pb] = score
		}
		p.scores[policyKey{service: key[:sep], code: key[sep+1:]}] = entry
	}
}
