// Package config loads the cache policy from the environment or a YAML file.
//
// Every numeric default here is a placeholder to be tuned per deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Breaker tunes the circuit breaker in front of the cache store.
type Breaker struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests" validate:"gte=1"`
	// Interval after which closed-state counts reset; 0 never resets.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// Timeout spent open before probing again.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// FailureRatio at which the breaker trips.
	FailureRatio float64 `yaml:"failure_ratio" validate:"gt=0,lte=1"`
	// MinRequests before the ratio is considered.
	MinRequests uint32 `yaml:"min_requests" validate:"gte=1"`
}

// Settings is the policy surface of a cache.
type Settings struct {
	Namespace     string `yaml:"namespace" validate:"excludesall=*"`
	SchemaVersion int    `yaml:"schema_version" validate:"gte=0"`

	BaseTTL        time.Duration `yaml:"base_ttl" validate:"gt=0"`
	JitterFraction float64       `yaml:"jitter_fraction" validate:"gte=0,lte=1"`
	NegativeTTL    time.Duration `yaml:"negative_ttl" validate:"gte=0"`
	// ErrorTTL caches source failures; 0 disables it.
	ErrorTTL time.Duration `yaml:"error_ttl" validate:"gte=0"`

	CacheTimeout time.Duration `yaml:"cache_timeout" validate:"gt=0"`
	LoadTimeout  time.Duration `yaml:"load_timeout" validate:"gt=0"`

	DistributedLock bool          `yaml:"distributed_lock"`
	LockTTL         time.Duration `yaml:"lock_ttl" validate:"required_if=DistributedLock true,gte=0"`
	LockWait        time.Duration `yaml:"lock_wait" validate:"gte=0"`

	// EdgeRetention is how long an unused dependency edge is kept. It must
	// outlive the longest jittered entry TTL; 0 picks a default.
	EdgeRetention time.Duration `yaml:"edge_retention" validate:"gte=0"`

	RedisURL string `yaml:"redis_url" validate:"omitempty,url"`

	Breaker Breaker `yaml:"breaker"`
}

// Default returns the placeholder policy.
func Default() Settings {
	return Settings{
		Namespace:      "app",
		SchemaVersion:  1,
		BaseTTL:        60 * time.Second,
		JitterFraction: 0.1,
		NegativeTTL:    5 * time.Second,
		CacheTimeout:   50 * time.Millisecond,
		LoadTimeout:    5 * time.Second,
		LockTTL:        10 * time.Second,
		LockWait:       200 * time.Millisecond,
		EdgeRetention:  2 * time.Hour,
		Breaker: Breaker{
			MaxRequests:  5,
			Interval:     30 * time.Second,
			Timeout:      5 * time.Second,
			FailureRatio: 0.5,
			MinRequests:  10,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges and cross-field rules.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: %s fails %q (value %v)", f.Namespace(), f.Tag(), f.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if longest := maxTTL(s.BaseTTL, s.JitterFraction); s.EdgeRetention > 0 && s.EdgeRetention < longest {
		return fmt.Errorf("config: EdgeRetention %v is below the longest entry ttl %v", s.EdgeRetention, longest)
	}
	return nil
}

// maxTTL is the longest ttl jitter can give an entry with base ttl base.
func maxTTL(base time.Duration, jitter float64) time.Duration {
	return time.Duration(float64(base) * (1 + jitter))
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default and validates the result.
// Durations use Go syntax ("60s", "250ms").
func Parse(b []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// FromEnv reads prefix-named variables (e.g. prefix "CACHE" reads
// CACHE_BASE_TTL) on top of Default and validates the result.
func FromEnv(prefix string) (Settings, error) {
	e := env{prefix: prefix}
	s := Default()

	s.Namespace = e.str("NAMESPACE", s.Namespace)
	s.SchemaVersion = e.int("SCHEMA_VERSION", s.SchemaVersion)
	s.BaseTTL = e.dur("BASE_TTL", s.BaseTTL)
	s.JitterFraction = e.float("JITTER_FRACTION", s.JitterFraction)
	s.NegativeTTL = e.dur("NEGATIVE_TTL", s.NegativeTTL)
	s.ErrorTTL = e.dur("ERROR_TTL", s.ErrorTTL)
	s.CacheTimeout = e.dur("CACHE_TIMEOUT", s.CacheTimeout)
	s.LoadTimeout = e.dur("LOAD_TIMEOUT", s.LoadTimeout)
	s.DistributedLock = e.bool("DISTRIBUTED_LOCK", s.DistributedLock)
	s.LockTTL = e.dur("LOCK_TTL", s.LockTTL)
	s.LockWait = e.dur("LOCK_WAIT", s.LockWait)
	s.EdgeRetention = e.dur("EDGE_RETENTION", s.EdgeRetention)
	s.RedisURL = e.str("REDIS_URL", s.RedisURL)

	s.Breaker.MaxRequests = uint32(e.int("BREAKER_MAX_REQUESTS", int(s.Breaker.MaxRequests)))
	s.Breaker.Interval = e.dur("BREAKER_INTERVAL", s.Breaker.Interval)
	s.Breaker.Timeout = e.dur("BREAKER_TIMEOUT", s.Breaker.Timeout)
	s.Breaker.FailureRatio = e.float("BREAKER_FAILURE_RATIO", s.Breaker.FailureRatio)
	s.Breaker.MinRequests = uint32(e.int("BREAKER_MIN_REQUESTS", int(s.Breaker.MinRequests)))

	if e.err != nil {
		return Settings{}, e.err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// env reads prefixed variables and keeps the first parse error.
type env struct {
	prefix string
	err    error
}

func (e *env) lookup(name string) (string, bool) {
	k := name
	if e.prefix != "" {
		k = e.prefix + "_" + name
	}
	v := os.Getenv(k)
	return v, v != ""
}

func (e *env) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s_%s=%q: %w", e.prefix, name, v, err)
	}
}

func (e *env) str(name, def string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return def
}

func (e *env) int(name string, def int) int {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return n
}

func (e *env) float(name string, def float64) float64 {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return f
}

func (e *env) bool(name string, def bool) bool {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return b
}

func (e *env) dur(name string, def time.Duration) time.Duration {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return d
}
