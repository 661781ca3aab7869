// Package challenge produces free-form reasoning challenges for agents and
// scores their responses for genuine effort.
package challenge

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

// Sleep window used for night challenges, in UTC hours [start, end).
const (
	NightWindowStartHour = 1
	NightWindowEndHour   = 6
	DayWindowStartHour   = 8
	DayWindowEndHour     = 22

	// MinChallengesPerDay is the protocol floor for a verification day.
	MinChallengesPerDay = 3
)

// ErrCatalogExhausted is returned when no unused template variant remains.
var ErrCatalogExhausted = errors.New("challenge catalog exhausted")

//go:embed catalog.yaml
var embeddedCatalog []byte

// Template is a parameterized prompt from the catalog.
type Template struct {
	ID          string   `yaml:"id"`
	Category    string   `yaml:"category"`
	Subcategory string   `yaml:"subcategory"`
	Prompt      string   `yaml:"prompt"`
	Topics      []string `yaml:"topics"`
}

// SupportedCatalogVersions is the catalog format range this package reads.
// A catalog without a version is read as the current format.
const SupportedCatalogVersions = ">= 1.0.0, < 2.0.0"

// Catalog is the set of templates challenges are drawn from.
type Catalog struct {
	Version   string     `yaml:"version"`
	Templates []Template `yaml:"templates"`
}

// LoadCatalog parses a YAML catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse challenge catalog: %w", err)
	}
	if c.Version != "" {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog version %s: %w", c.Version, err)
		}
		supported, err := semver.NewConstraint(SupportedCatalogVersions)
		if err != nil {
			return nil, err
		}
		if !supported.Check(v) {
			return nil, fmt.Errorf("unsupported catalog version %s (want %s)", v, SupportedCatalogVersions)
		}
	}
	if len(c.Templates) == 0 {
		return nil, errors.New("challenge catalog has no templates")
	}
	seen := make(map[string]bool)
	for _, t := range c.Templates {
		if t.ID == "" || t.Category == "" || t.Prompt == "" {
			return nil, fmt.Errorf("template %q is missing id, category or prompt", t.ID)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return &c, nil
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
)

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := LoadCatalog(embeddedCatalog)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Categories returns the distinct categories in catalog order.
func (c *Catalog) Categories() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range c.Templates {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	return out
}

// variant is one (template, topic) combination.
type variant struct {
	tmpl  *Template
	topic int
}

func (v variant) id() string {
	if len(v.tmpl.Topics) == 0 {
		return v.tmpl.ID
	}
	return fmt.Sprintf("%s/%d", v.tmpl.ID, v.topic)
}

func (v variant) prompt() string {
	if len(v.tmpl.Topics) == 0 {
		return v.tmpl.Prompt
	}
	return strings.ReplaceAll(v.tmpl.Prompt, "{{topic}}", v.tmpl.Topics[v.topic])
}

func (v variant) challenge(scheduled time.Time, night bool) *contracts.Challenge {
	return &contracts.Challenge{
		ID:               uuid.New().String(),
		TemplateID:       v.id(),
		Category:         v.tmpl.Category,
		Subcategory:      v.tmpl.Subcategory,
		Prompt:           v.prompt(),
		ScheduledFor:     scheduled,
		Status:           contracts.ChallengePending,
		IsNightChallenge: night,
	}
}

// Generator draws non-repeating challenges from a catalog.
type Generator struct {
	catalog *Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand injects the random source, mainly for tests.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rng = r }
}

// NewGenerator creates a generator over the catalog. A nil catalog uses the embedded one.
func NewGenerator(catalog *Catalog, opts ...Option) *Generator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	g := &Generator{
		catalog: catalog,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // scheduling jitter, not security
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DayRequest describes one verification day to generate.
type DayRequest struct {
	Day        int
	Count      int
	NightCount int
	// DayStart is any instant on the UTC calendar day the challenges belong to.
	DayStart time.Time
	// Used holds template IDs already issued in the session.
	Used map[string]bool
}

// GenerateDay produces the challenge set for one verification day.
func (g *Generator) GenerateDay(req DayRequest) (*contracts.DailyChallengeSet, error) {
	if req.Count < MinChallengesPerDay {
		req.Count = MinChallengesPerDay
	}
	if req.NightCount < 1 {
		req.NightCount = 1
	}
	if req.NightCount >= req.Count {
		req.NightCount = req.Count - 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	picked, err := g.pick(req.Count, req.Used)
	if err != nil {
		return nil, err
	}

	midnight := req.DayStart.UTC().Truncate(24 * time.Hour)
	nightTimes := g.slots(midnight, NightWindowStartHour, NightWindowEndHour, req.NightCount)
	dayTimes := g.slots(midnight, DayWindowStartHour, DayWindowEndHour, req.Count-req.NightCount)

	challenges := make([]*contracts.Challenge, 0, req.Count)
	for i, v := range picked {
		if i < req.NightCount {
			challenges = append(challenges, v.challenge(nightTimes[i], true))
		} else {
			challenges = append(challenges, v.challenge(dayTimes[i-req.NightCount], false))
		}
	}
	sort.SliceStable(challenges, func(i, j int) bool {
		return challenges[i].ScheduledFor.Before(challenges[j].ScheduledFor)
	})

	set := &contracts.DailyChallengeSet{Day: req.Day, Challenges: challenges}
	for _, c := range challenges {
		set.ScheduledTimes = append(set.ScheduledTimes, c.ScheduledFor)
	}
	return set, nil
}

// GenerateSpotCheck produces a single challenge whose category is drawn
// independently of any earlier session.
func (g *Generator) GenerateSpotCheck(scheduledFor time.Time) *contracts.Challenge {
	g.mu.Lock()
	defer g.mu.Unlock()

	categories := g.catalog.Categories()
	category := categories[g.rng.Intn(len(categories))]

	var candidates []*Template
	for i := range g.catalog.Templates {
		if g.catalog.Templates[i].Category == category {
			candidates = append(candidates, &g.catalog.Templates[i])
		}
	}
	tmpl := candidates[g.rng.Intn(len(candidates))]
	topic := 0
	if len(tmpl.Topics) > 0 {
		topic = g.rng.Intn(len(tmpl.Topics))
	}
	return variant{tmpl: tmpl, topic: topic}.challenge(scheduledFor, IsNightHour(scheduledFor))
}

// pick selects n unused variants, spreading them across categories first.
func (g *Generator) pick(n int, used map[string]bool) ([]variant, error) {
	var pool []variant
	for i := range g.catalog.Templates {
		t := &g.catalog.Templates[i]
		topics := len(t.Topics)
		if topics == 0 {
			topics = 1
		}
		for j := 0; j < topics; j++ {
			v := variant{tmpl: t, topic: j}
			if !used[v.id()] {
				pool = append(pool, v)
			}
		}
	}
	if len(pool) < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrCatalogExhausted, n, len(pool))
	}
	g.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	picked := make([]variant, 0, n)
	taken := make([]bool, len(pool))
	categories := make(map[string]bool)
	for i, v := range pool {
		if len(picked) == n {
			break
		}
		if categories[v.tmpl.Category] {
			continue
		}
		categories[v.tmpl.Category] = true
		taken[i] = true
		picked = append(picked, v)
	}
	for i, v := range pool {
		if len(picked) == n {
			break
		}
		if !taken[i] {
			picked = append(picked, v)
		}
	}
	return picked, nil
}

// slots returns n distinct sorted instants within [startHour, endHour) of the day.
func (g *Generator) slots(midnight time.Time, startHour, endHour, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	window := (endHour - startHour) * 60
	seen := make(map[int]bool)
	minutes := make([]int, 0, n)
	for len(minutes) < n {
		m := g.rng.Intn(window)
		if seen[m] && len(seen) < window {
			continue
		}
		seen[m] = true
		minutes = append(minutes, m)
	}
	sort.Ints(minutes)

	out := make([]time.Time, n)
	for i, m := range minutes {
		out[i] = midnight.Add(time.Duration(startHour)*time.Hour + time.Duration(m)*time.Minute)
	}
	return out
}

// IsNightHour reports whether t falls in the night challenge window.
func IsNightHour(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= NightWindowStartHour && h < NightWindowEndHour
}
