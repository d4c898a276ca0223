// Package discovery locates third-party API credentials from the process
// environment, .env-style files, and JSON config files, and registers them
// with zero manual input. The whole pass is idempotent: running it against
// an unchanged environment registers nothing new.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/registry"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Report summarizes one discovery pass.
type Report struct {
	FromEnv      int // Credentials registered from known env patterns.
	FromGeneric  int // Credentials registered from generic suffix patterns.
	FromEnvFiles int // Credentials registered from .env files.
	FromConfig   int // Credentials registered from config files.
}

// Total returns the number of credentials registered across all sources.
func (r Report) Total() int {
	return r.FromEnv + r.FromGeneric + r.FromEnvFiles + r.FromConfig
}

// Engine runs the discovery passes in fixed precedence order.
type Engine struct {
	registry *registry.Registry
	store    *keystore.Store

	// requireKnownProvider drops generic matches that resolve to no
	// registered provider instead of creating a bucket for them.
	requireKnownProvider bool

	workdir       string
	extraEnvFiles []string

	// environ snapshots the process environment; injectable for tests.
	environ func() map[string]string

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnviron overrides the environment snapshot source.
func WithEnviron(fn func() map[string]string) Option {
	return func(e *Engine) { e.environ = fn }
}

// WithWorkdir overrides the directory .env and config files are resolved
// against.
func WithWorkdir(dir string) Option {
	return func(e *Engine) { e.workdir = dir }
}

// WithExtraEnvFiles appends additional .env-style paths to scan.
func WithExtraEnvFiles(paths []string) Option {
	return func(e *Engine) { e.extraEnvFiles = paths }
}

// WithRequireKnownProvider makes unresolvable generic matches be dropped
// instead of registered under an inferred provider bucket.
func WithRequireKnownProvider(require bool) Option {
	return func(e *Engine) { e.requireKnownProvider = require }
}

// New constructs a discovery engine.
func New(reg *registry.Registry, store *keystore.Store, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		store:    store,
		environ:  processEnviron,
	}
	if wd, err := os.Getwd(); err == nil {
		e.workdir = wd
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// processEnviron snapshots the real process environment.
func processEnviron() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// Run executes one full discovery pass: known env patterns, generic env
// patterns, .env files, then config files. Failures in one source are
// logged and never abort the rest of the pass.
func (e *Engine) Run(ctx context.Context, now time.Time) (Report, error) {
	if e == nil || e.store == nil {
		return Report{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	env := e.environ()
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	report := Report{}

	// Pass 1: known patterns.
	for _, key := range sortedKeys(env) {
		pattern, ok := knownPatterns[key]
		if !ok {
			continue
		}
		if e.registerKnown(ctx, key, env[key], pattern, lookup, envTags, now) {
			report.FromEnv++
		}
	}

	// Pass 2: generic patterns over the remaining variables. The secret
	// and label dedup inside registration is the only suppression here;
	// anything run-scoped would admit the same candidate on a later run.
	for _, key := range sortedKeys(env) {
		if _, known := knownPatterns[key]; known {
			continue
		}
		if e.registerGeneric(ctx, key, env[key], genericEnvTags, now) {
			report.FromGeneric++
		}
	}

	// Pass 3: .env files. Keys already present in the process environment
	// were covered by the env passes.
	for _, path := range e.envFilePaths() {
		values, errRead := godotenv.Read(path)
		if errRead != nil {
			if !os.IsNotExist(errRead) {
				log.WithError(errRead).WithField("path", path).Warn("discovery: env file unreadable")
			}
			continue
		}
		fileLookup := func(key string) (string, bool) {
			if v, ok := env[key]; ok {
				return v, true
			}
			v, ok := values[key]
			return v, ok
		}
		for _, key := range sortedKeys(values) {
			if _, inEnv := env[key]; inEnv {
				continue
			}
			if created := e.registerCandidate(ctx, key, values[key], fileLookup, envFileTags, now); created {
				report.FromEnvFiles++
			}
		}
	}

	// Pass 4: config files.
	for key, value := range e.configCandidates() {
		if created := e.registerCandidate(ctx, key, value, lookup, configTags, now); created {
			report.FromConfig++
		}
	}

	if total := report.Total(); total > 0 {
		log.WithField("credentials", total).Info("discovery: pass registered new credentials")
	}
	return report, nil
}

// Source tag sets, recorded on each discovered credential.
var (
	envTags        = []string{"auto-discovered", "env", "zero-touch"}
	genericEnvTags = []string{"auto-discovered", "env", "generic", "zero-touch"}
	envFileTags    = []string{"auto-discovered", "env-file", "zero-touch"}
	configTags     = []string{"auto-discovered", "config-file", "zero-touch"}
)

// registerCandidate routes a key/value pair through the known table first
// and the generic patterns second, mirroring the env precedence.
func (e *Engine) registerCandidate(ctx context.Context, key, value string, lookup func(string) (string, bool), tags []string, now time.Time) bool {
	if pattern, ok := knownPatterns[key]; ok {
		return e.registerKnown(ctx, key, value, pattern, lookup, tags, now)
	}
	return e.registerGeneric(ctx, key, value, tags, now)
}

// registerKnown registers a credential for a statically mapped variable.
// Composite secondaries are skipped when their primary is present, and
// composite primaries wait for their pair.
func (e *Engine) registerKnown(ctx context.Context, key, value string, pattern envPattern, lookup func(string) (string, bool), tags []string, now time.Time) bool {
	value = strings.TrimSpace(value)
	if len(value) < minKnownValueLen {
		return false
	}

	if primary, isSecondary := compositeSecondaries[key]; isSecondary {
		if _, primaryPresent := lookup(primary); primaryPresent {
			return false
		}
	}

	secondary := ""
	if pattern.PairVar != "" {
		pairValue, pairPresent := lookup(pattern.PairVar)
		if !pairPresent || strings.TrimSpace(pairValue) == "" {
			return false
		}
		secondary = strings.TrimSpace(pairValue)
	}

	label := "Auto-discovered " + pattern.Field
	dup, errDup := e.labelExists(ctx, pattern.ProviderID, value, pattern.Field)
	if errDup != nil {
		log.WithError(errDup).Warn("discovery: dedup lookup failed")
		return false
	}
	if dup {
		return false
	}

	_, created, errRegister := e.store.Register(ctx, pattern.ProviderID, value, secondary, keystore.RegisterOptions{
		Label: label,
		Tags:  tags,
	}, now)
	if errRegister != nil {
		log.WithError(errRegister).WithField("source", key).Warn("discovery: register failed")
		return false
	}
	if created {
		log.WithField("provider", pattern.ProviderID).WithField("source", key).Info("discovery: credential auto-registered")
	}
	return created
}

// registerGeneric infers a provider from a secret-shaped variable name.
// Unresolvable hints create a provider bucket unless known providers are
// required.
func (e *Engine) registerGeneric(ctx context.Context, key, value string, tags []string, now time.Time) bool {
	value = strings.TrimSpace(value)
	if len(value) < minGenericValueLen {
		return false
	}

	hint := ""
	for _, pattern := range genericPatterns {
		if m := pattern.FindStringSubmatch(key); m != nil {
			hint = strings.ReplaceAll(strings.ToLower(m[1]), "_", "-")
			break
		}
	}
	if hint == "" {
		return false
	}

	providerID := hint
	label := "Auto-discovered " + hint + " Key"
	provider, found := e.matchProvider(ctx, hint)
	if found {
		providerID = provider.ID
		label = "Auto-discovered " + provider.Name + " Key"
	} else {
		if e.requireKnownProvider {
			log.WithField("hint", hint).WithField("source", key).Debug("discovery: no provider for generic match, dropped")
			return false
		}
		tags = append(append([]string{}, tags...), "unknown-provider")
	}

	dup, errDup := e.labelExists(ctx, providerID, value, "")
	if errDup != nil {
		log.WithError(errDup).Warn("discovery: dedup lookup failed")
		return false
	}
	if dup {
		return false
	}

	_, created, errRegister := e.store.Register(ctx, providerID, value, "", keystore.RegisterOptions{
		Label: label,
		Tags:  tags,
	}, now)
	if errRegister != nil {
		log.WithError(errRegister).WithField("source", key).Warn("discovery: register failed")
		return false
	}
	if created {
		log.WithField("provider", providerID).WithField("source", key).Info("discovery: credential auto-registered")
	}
	return created
}

// matchProvider fuzzily resolves a provider hint against the registry.
func (e *Engine) matchProvider(ctx context.Context, hint string) (models.Provider, bool) {
	providers, errList := e.registry.List(ctx)
	if errList != nil {
		log.WithError(errList).Warn("discovery: provider list failed")
		return models.Provider{}, false
	}
	for _, p := range providers {
		id := strings.ToLower(p.ID)
		name := strings.ToLower(strings.ReplaceAll(p.Name, " ", "-"))
		if id == hint || strings.Contains(id, hint) || strings.Contains(name, hint) ||
			strings.Contains(hint, id) || strings.Contains(hint, name) {
			return p, true
		}
	}
	return models.Provider{}, false
}

// labelExists reports whether the provider already holds this secret value
// or a credential whose label carries the same field name.
func (e *Engine) labelExists(ctx context.Context, providerID, secret, field string) (bool, error) {
	creds, errList := e.store.ListForProvider(ctx, providerID)
	if errList != nil {
		return false, errList
	}
	for _, c := range creds {
		if c.Secret == secret {
			return true, nil
		}
		if field != "" && strings.Contains(c.Label, field) {
			return true, nil
		}
	}
	return false, nil
}

// WatchPaths lists every file the engine reads during a pass. The file
// watcher monitors these for changes.
func (e *Engine) WatchPaths() []string {
	wd := e.workdir
	paths := append([]string{}, e.envFilePaths()...)
	paths = append(paths,
		filepath.Join(wd, "package.json"),
		filepath.Join(wd, "config.json"),
		filepath.Join(wd, "config", "config.json"),
		filepath.Join(wd, "config", "api.json"),
	)
	return paths
}

// envFilePaths lists the candidate .env locations: the working directory,
// its two parents, named environment variants, and configured extras.
func (e *Engine) envFilePaths() []string {
	wd := e.workdir
	paths := []string{
		filepath.Join(wd, ".env"),
		filepath.Join(wd, ".env.local"),
		filepath.Join(wd, ".env.production"),
		filepath.Join(wd, ".env.development"),
		filepath.Join(wd, "..", ".env"),
		filepath.Join(wd, "..", "..", ".env"),
	}
	return append(paths, e.extraEnvFiles...)
}

// configCandidates scans the package manifest config block and
// conventional JSON config locations for secret-shaped string values.
func (e *Engine) configCandidates() map[string]string {
	out := make(map[string]string)
	wd := e.workdir

	if data, errRead := os.ReadFile(filepath.Join(wd, "package.json")); errRead == nil {
		if !gjson.ValidBytes(data) {
			log.WithField("path", "package.json").Warn("discovery: malformed manifest skipped")
		} else {
			gjson.GetBytes(data, "config").ForEach(func(key, value gjson.Result) bool {
				collectConfigValue(out, key.String(), value)
				return true
			})
		}
	}

	for _, path := range []string{
		filepath.Join(wd, "config.json"),
		filepath.Join(wd, "config", "config.json"),
		filepath.Join(wd, "config", "api.json"),
	} {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			continue
		}
		if !gjson.ValidBytes(data) {
			log.WithField("path", path).Warn("discovery: malformed config skipped")
			continue
		}
		gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
			collectConfigValue(out, strings.ToUpper(key.String()), value)
			return true
		})
	}
	return out
}

// collectConfigValue keeps string values whose key name suggests a secret.
func collectConfigValue(out map[string]string, key string, value gjson.Result) {
	if value.Type != gjson.String {
		return
	}
	v := value.String()
	if len(v) <= minGenericValueLen {
		return
	}
	lower := strings.ToLower(key)
	if strings.Contains(lower, "api") || strings.Contains(lower, "key") || strings.Contains(lower, "token") {
		out[key] = v
	}
}

// sortedKeys returns map keys in deterministic order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
