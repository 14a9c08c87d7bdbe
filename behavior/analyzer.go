// Package behavior scores how automated an identity's recent traffic looks.
//
// The Analyzer keeps a bounded profile per identity (request intervals,
// distinct user agents, fingerprints and paths) and turns it into a
// suspicion score in [0,1] from a fixed set of additive signals.
package behavior

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/KanavDutta/threatfence/core"
)

// Signal names reported in Result.Reasons.
const (
	ReasonRoboticTiming    = "robotic_timing"
	ReasonFastRequests     = "fast_requests"
	ReasonMultipleAgents   = "multiple_user_agents"
	ReasonSingleAgentCrawl = "single_ua_many_paths"
	ReasonPathScanning     = "path_scanning"
	ReasonBotUserAgent     = "bot_user_agent"
	ReasonBrowserChrome    = "browser_chrome"
)

// Signal weights.
const (
	WeightRoboticTiming    = 0.2
	WeightFastRequests     = 0.2
	WeightMultipleAgents   = 0.2
	WeightSingleAgentCrawl = 0.1
	WeightPathScanning     = 0.2
	WeightBotUserAgent     = 0.15
	WeightBrowserDampening = 0.15

	MaxScore = 1.0
)

// maxTrackedPaths bounds the distinct path set per profile. Counts above
// every path threshold are indistinguishable for scoring.
const maxTrackedPaths = 256

// Config tunes the heuristics.
type Config struct {
	MaxProfiles     int `yaml:"max_profiles" json:"max_profiles"`
	IntervalHistory int `yaml:"interval_history" json:"interval_history"`

	// MinIntervals is how many intervals are needed before timing signals fire.
	MinIntervals    int           `yaml:"min_intervals" json:"min_intervals"`
	RoboticVariance float64       `yaml:"robotic_variance" json:"robotic_variance"`
	RoboticMean     time.Duration `yaml:"robotic_mean" json:"robotic_mean"`
	FastMean        time.Duration `yaml:"fast_mean" json:"fast_mean"`

	MaxAgents  int `yaml:"max_agents" json:"max_agents"`
	CrawlPaths int `yaml:"crawl_paths" json:"crawl_paths"`
	ScanPaths  int `yaml:"scan_paths" json:"scan_paths"`

	BotSignatures     []string `yaml:"bot_signatures" json:"bot_signatures"`
	BrowserSignatures []string `yaml:"browser_signatures" json:"browser_signatures"`
	// BrowserPaths are glob patterns for conventional browser chrome requests.
	BrowserPaths []string `yaml:"browser_paths" json:"browser_paths"`

	IdleRetention time.Duration `yaml:"idle_retention" json:"idle_retention"`
}

// DefaultBotSignatures are lower-case substrings of automation user agents.
var DefaultBotSignatures = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "go-http-client", "sqlmap", "nikto",
	"nmap", "masscan", "zgrab", "gobuster", "nuclei",
}

// DefaultBrowserSignatures are lower-case substrings of browser user agents.
var DefaultBrowserSignatures = []string{"mozilla", "chrome", "safari", "firefox", "edge"}

// DefaultBrowserPaths are the resources every browser fetches on its own.
var DefaultBrowserPaths = []string{
	"/", "/index.html", "/favicon.ico", "/robots.txt", "/sitemap*.xml", "/health.html",
}

// DefaultConfig returns the default heuristics.
func DefaultConfig() Config {
	return Config{
		MaxProfiles:       100_000,
		IntervalHistory:   20,
		MinIntervals:      5,
		RoboticVariance:   0.05,
		RoboticMean:       time.Second,
		FastMean:          300 * time.Millisecond,
		MaxAgents:         5,
		CrawlPaths:        10,
		ScanPaths:         20,
		BotSignatures:     DefaultBotSignatures,
		BrowserSignatures: DefaultBrowserSignatures,
		BrowserPaths:      DefaultBrowserPaths,
		IdleRetention:     time.Hour,
	}
}

// Validate checks the heuristics for obviously broken values.
func (c Config) Validate() error {
	if c.MaxProfiles <= 0 {
		return fmt.Errorf("max_profiles must be positive, got %d", c.MaxProfiles)
	}
	if c.IntervalHistory <= 0 {
		return fmt.Errorf("interval_history must be positive, got %d", c.IntervalHistory)
	}
	if c.MinIntervals <= 0 || c.MinIntervals > c.IntervalHistory {
		return fmt.Errorf("min_intervals must be in [1, %d], got %d", c.IntervalHistory, c.MinIntervals)
	}
	if c.RoboticVariance < 0 {
		return fmt.Errorf("robotic_variance must be non-negative, got %v", c.RoboticVariance)
	}
	for _, pattern := range c.BrowserPaths {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			return fmt.Errorf("browser_paths %q: %w", pattern, err)
		}
	}
	return nil
}

// Observation is one request as seen by the analyzer.
type Observation struct {
	Identity    string
	At          time.Time
	UserAgent   string
	Fingerprint string
	Path        string
}

// Result is the suspicion score after an observation.
type Result struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Profile is a read-only snapshot of an identity's accumulated behavior.
type Profile struct {
	Identity     string    `json:"identity"`
	Requests     int       `json:"requests"`
	Intervals    []float64 `json:"intervals"`
	UserAgents   int       `json:"user_agents"`
	Fingerprints int       `json:"fingerprints"`
	Paths        int       `json:"paths"`
	Score        float64   `json:"score"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

type profile struct {
	intervals    []float64 // ring, seconds
	next         int
	full         bool
	agents       map[string]struct{}
	fingerprints map[string]struct{}
	paths        map[string]struct{}
	requests     int
	score        float64
	firstSeen    time.Time
	lastSeen     time.Time
}

func newProfile(history int, at time.Time) *profile {
	return &profile{
		intervals:    make([]float64, 0, history),
		agents:       make(map[string]struct{}),
		fingerprints: make(map[string]struct{}),
		paths:        make(map[string]struct{}),
		firstSeen:    at,
	}
}

func (p *profile) addInterval(seconds float64, history int) {
	if len(p.intervals) < history {
		p.intervals = append(p.intervals, seconds)
		return
	}
	p.intervals[p.next] = seconds
	p.next = (p.next + 1) % history
	p.full = true
}

// ordered returns intervals oldest first.
func (p *profile) ordered() []float64 {
	out := make([]float64, 0, len(p.intervals))
	if p.full {
		out = append(out, p.intervals[p.next:]...)
		out = append(out, p.intervals[:p.next]...)
		return out
	}
	return append(out, p.intervals...)
}

// Analyzer holds behavior profiles for recently seen identities.
type Analyzer struct {
	mu       sync.Mutex
	config   Config
	profiles *lru.Cache[string, *profile]
	bots     []string
	browsers []string
	chrome   []glob.Glob
	clock    core.Clock
	logger   *slog.Logger
}

// New creates an analyzer. The config must be valid.
func New(config Config, clock core.Clock, logger *slog.Logger) (*Analyzer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	a := &Analyzer{clock: clock, logger: logger}
	cache, err := lru.NewWithEvict[string, *profile](config.MaxProfiles, a.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	a.profiles = cache
	a.apply(config)
	return a, nil
}

func (a *Analyzer) onEvict(identity string, _ *profile) {
	a.logger.Debug("profile_evicted", "component", "behavior", "identity", identity)
}

// apply installs config. Must be called with a.mu held or before a is shared.
func (a *Analyzer) apply(config Config) {
	a.config = config
	a.bots = lowerAll(config.BotSignatures)
	a.browsers = lowerAll(config.BrowserSignatures)
	a.chrome = a.chrome[:0]
	for _, pattern := range config.BrowserPaths {
		a.chrome = append(a.chrome, glob.MustCompile(pattern, '/'))
	}
}

// Reconfigure swaps the heuristics. Existing profiles are kept; the
// profile table is resized to the new bound.
func (a *Analyzer) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if config.MaxProfiles != a.config.MaxProfiles {
		if evicted := a.profiles.Resize(config.MaxProfiles); evicted > 0 {
			a.logger.Info("profiles_resized", "component", "behavior", "evicted", evicted)
		}
	}
	a.apply(config)
	return nil
}

// Observe folds the request into the identity's profile and returns the
// updated suspicion score.
func (a *Analyzer) Observe(obs Observation) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if obs.At.IsZero() {
		obs.At = a.clock()
	}

	p, ok := a.profiles.Get(obs.Identity)
	if !ok {
		p = newProfile(a.config.IntervalHistory, obs.At)
		a.profiles.Add(obs.Identity, p)
	} else {
		interval := obs.At.Sub(p.lastSeen).Seconds()
		if interval < 0 {
			interval = 0
		}
		p.addInterval(interval, a.config.IntervalHistory)
	}
	if obs.At.After(p.lastSeen) {
		p.lastSeen = obs.At
	}
	p.requests++

	if obs.UserAgent != "" {
		p.agents[obs.UserAgent] = struct{}{}
	}
	if obs.Fingerprint != "" {
		p.fingerprints[obs.Fingerprint] = struct{}{}
	}
	path := normalizePath(obs.Path)
	if len(p.paths) < maxTrackedPaths {
		p.paths[path] = struct{}{}
	}

	result := a.score(p, obs.UserAgent, path)
	p.score = result.Score
	return result
}

func (a *Analyzer) score(p *profile, userAgent, path string) Result {
	var (
		score   float64
		reasons []string
	)

	if len(p.intervals) >= a.config.MinIntervals {
		mean, variance := stat.PopMeanVariance(p.intervals, nil)
		if variance < a.config.RoboticVariance && mean < a.config.RoboticMean.Seconds() {
			score += WeightRoboticTiming
			reasons = append(reasons, ReasonRoboticTiming)
		}
		if mean < a.config.FastMean.Seconds() {
			score += WeightFastRequests
			reasons = append(reasons, ReasonFastRequests)
		}
	}

	if len(p.agents) > a.config.MaxAgents {
		score += WeightMultipleAgents
		reasons = append(reasons, ReasonMultipleAgents)
	}
	if len(p.agents) == 1 && len(p.paths) > a.config.CrawlPaths {
		score += WeightSingleAgentCrawl
		reasons = append(reasons, ReasonSingleAgentCrawl)
	}
	if len(p.paths) > a.config.ScanPaths {
		score += WeightPathScanning
		reasons = append(reasons, ReasonPathScanning)
	}

	agent := strings.ToLower(userAgent)
	if containsAny(agent, a.bots) {
		score += WeightBotUserAgent
		reasons = append(reasons, ReasonBotUserAgent)
	}
	if a.isBrowserChrome(userAgent, path) {
		score -= WeightBrowserDampening
		if score < 0 {
			score = 0
		}
		reasons = append(reasons, ReasonBrowserChrome)
	}

	if score > MaxScore {
		score = MaxScore
	}
	return Result{Score: score, Reasons: reasons}
}

// IsBrowserChrome reports whether the request looks like a browser
// fetching one of its conventional resources. It depends only on its
// arguments and the configured signatures.
func (a *Analyzer) IsBrowserChrome(userAgent, path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isBrowserChrome(userAgent, path)
}

func (a *Analyzer) isBrowserChrome(userAgent, path string) bool {
	if !containsAny(strings.ToLower(userAgent), a.browsers) {
		return false
	}
	path = normalizePath(path)
	for _, g := range a.chrome {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Profile returns a snapshot of the identity's profile without touching
// its recency.
func (a *Analyzer) Profile(identity string) (Profile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.profiles.Peek(identity)
	if !ok {
		return Profile{}, false
	}
	return Profile{
		Identity:     identity,
		Requests:     p.requests,
		Intervals:    p.ordered(),
		UserAgents:   len(p.agents),
		Fingerprints: len(p.fingerprints),
		Paths:        len(p.paths),
		Score:        p.score,
		FirstSeen:    p.firstSeen,
		LastSeen:     p.lastSeen,
	}, true
}

// Evict drops the identity's profile.
func (a *Analyzer) Evict(identity string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profiles.Remove(identity)
}

// Cleanup drops profiles last seen before start-IdleRetention.
// Returns the number of profiles removed.
func (a *Analyzer) Cleanup(start time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := start.Add(-a.config.IdleRetention)
	removed := 0
	for _, identity := range a.profiles.Keys() {
		p, ok := a.profiles.Peek(identity)
		if ok && p.lastSeen.Before(cutoff) {
			a.profiles.Remove(identity)
			removed++
		}
	}
	return removed
}

// Len returns the number of profiles held.
func (a *Analyzer) Len() int {
	return a.profiles.Len()
}

func normalizePath(path string) string {
	path, _, _ = strings.Cut(path, "?")
	if path == "" {
		return "/"
	}
	return path
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
