// Package lockout throttles credential guessing with per-identity and per-IP
// failure counters and progressive lockouts held in a shared cache. Every
// cache failure is reported as ErrUnavailable; callers must reject the
// attempt rather than treat the subject as unlocked.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"legiswatch.org/internal/obs"
)

// ErrUnavailable means the cache could not be consulted.
var ErrUnavailable = errors.New("lockout: cache unavailable")

const (
	defaultThreshold    = 5
	defaultWindow       = 15 * time.Minute
	defaultOpTimeout    = 500 * time.Millisecond
	defaultStrikeMemory = 7 * 24 * time.Hour
)

// DefaultSchedule is the lockout duration for the 1st, 2nd, 3rd and every
// later strike.
var DefaultSchedule = []time.Duration{15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour}

// Scope distinguishes what a counter is keyed on.
type Scope string

const (
	ScopeIdentity Scope = "id"
	ScopeIP       Scope = "ip"
)

// Key identifies one throttled subject.
type Key struct {
	Scope Scope
	Value string
}

func (k Key) counter() string { return "lockout:fail:" + string(k.Scope) + ":" + k.Value }
func (k Key) lock() string    { return "lockout:lock:" + string(k.Scope) + ":" + k.Value }
func (k Key) strikes() string { return "lockout:strikes:" + string(k.Scope) + ":" + k.Value }

// IdentityKey keys on a normalized login identifier.
func IdentityKey(identity string) Key {
	return Key{Scope: ScopeIdentity, Value: strings.ToLower(strings.TrimSpace(identity))}
}

// IPKey keys on a client address.
func IPKey(ip string) Key { return Key{Scope: ScopeIP, Value: strings.TrimSpace(ip)} }

// State is where a subject sits in open, warming, locked.
type State string

const (
	StateOpen    State = "open"
	StateWarming State = "warming"
	StateLocked  State = "locked"
)

// Status summarizes the identity and IP keys of one attempt.
type Status struct {
	State    State
	Locked   bool
	Until    time.Time
	Failures int64
}

// Cache is the shared store behind the service.
type Cache interface {
	// IncrWindow increments key and sets its TTL to window, returning the new count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Get returns ok=false for a missing key.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Service tracks failures and lockouts.
type Service struct {
	cache        Cache
	threshold    int64
	window       time.Duration
	opTimeout    time.Duration
	strikeMemory time.Duration
	schedule     []time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

// Option configures Service.
type Option func(*Service)

// WithThreshold sets the failures that trigger a lockout.
func WithThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = int64(n)
		}
	}
}

// WithWindow sets how long a failure counter survives after the last failure.
func WithWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithOpTimeout bounds every cache call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithStrikeMemory sets how long past lockouts count toward escalation.
func WithStrikeMemory(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.strikeMemory = d
		}
	}
}

// WithSchedule overrides the escalation durations.
func WithSchedule(durations ...time.Duration) Option {
	return func(s *Service) {
		if len(durations) > 0 {
			s.schedule = append([]time.Duration(nil), durations...)
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New constructs Service over cache.
func New(cache Cache, opts ...Option) *Service {
	s := &Service{
		cache:        cache,
		threshold:    defaultThreshold,
		window:       defaultWindow,
		opTimeout:    defaultOpTimeout,
		strikeMemory: defaultStrikeMemory,
		schedule:     DefaultSchedule,
		now:          time.Now,
		log:          obs.Component("lockout"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Duration returns the lockout length for the given 1-based strike.
func (s *Service) Duration(strike int) time.Duration {
	if strike < 1 {
		strike = 1
	}
	if strike > len(s.schedule) {
		strike = len(s.schedule)
	}
	return s.schedule[strike-1]
}

func keys(identity, ip string) []Key {
	var out []Key
	if strings.TrimSpace(identity) != "" {
		out = append(out, IdentityKey(identity))
	}
	if strings.TrimSpace(ip) != "" {
		out = append(out, IPKey(ip))
	}
	return out
}

// Check reports whether the identity or the IP is locked.
func (s *Service) Check(ctx context.Context, identity, ip string) (Status, error) {
	now := s.now()
	st := Status{State: StateOpen}
	for _, k := range keys(identity, ip) {
		until, err := s.lockedUntil(ctx, k)
		if err != nil {
			return Status{}, err
		}
		if until.After(now) {
			st.Locked = true
			if until.After(st.Until) {
				st.Until = until
			}
		}
		n, err := s.failures(ctx, k)
		if err != nil {
			return Status{}, err
		}
		if n > st.Failures {
			st.Failures = n
		}
	}
	st.State = stateOf(st)
	return st, nil
}

// RecordFailedAttempt counts a failure for the identity and the IP and locks
// any key whose counter reaches the threshold.
func (s *Service) RecordFailedAttempt(ctx context.Context, identity, ip string) (Status, error) {
	st := Status{}
	for _, k := range keys(identity, ip) {
		n, err := s.incr(ctx, k)
		if err != nil {
			return Status{}, err
		}
		if n > st.Failures {
			st.Failures = n
		}
		if n < s.threshold {
			continue
		}
		strikes, err := s.strikes(ctx, k)
		if err != nil {
			return Status{}, err
		}
		until, err := s.TriggerLockout(ctx, k, strikes)
		if err != nil {
			return Status{}, err
		}
		if err := s.del(ctx, "reset counter", k.counter()); err != nil {
			return Status{}, err
		}
		st.Locked = true
		if until.After(st.Until) {
			st.Until = until
		}
	}
	st.State = stateOf(st)
	return st, nil
}

// TriggerLockout locks key for the duration of strike priorStrikes+1 and
// records the new strike count.
func (s *Service) TriggerLockout(ctx context.Context, k Key, priorStrikes int) (time.Time, error) {
	strike := priorStrikes + 1
	d := s.Duration(strike)
	until := s.now().Add(d)

	if err := s.set(ctx, "set lock", k.lock(), strconv.FormatInt(until.UnixMilli(), 10), d); err != nil {
		return time.Time{}, err
	}
	memory := s.strikeMemory
	if d > memory {
		memory = d
	}
	if err := s.set(ctx, "set strikes", k.strikes(), strconv.Itoa(strike), memory); err != nil {
		return time.Time{}, err
	}

	obs.Lockout(string(k.Scope))
	s.log.Warn().
		Str("event", "lockout_triggered").
		Str("scope", string(k.Scope)).
		Str("subject", k.Value).
		Int("strike", strike).
		Dur("duration", d).
		Time("until", until).
		Msg("security: lockout triggered")
	return until, nil
}

// Reset clears the identity's counter and lock after a successful login.
// Strike history is kept so repeat offenders still escalate.
func (s *Service) Reset(ctx context.Context, identity string) error {
	k := IdentityKey(identity)
	return s.del(ctx, "reset", k.counter(), k.lock())
}

func (s *Service) lockedUntil(ctx context.Context, k Key) (time.Time, error) {
	v, ok, err := s.get(ctx, "get lock", k.lock())
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, s.unavailable("parse lock", err)
	}
	return time.UnixMilli(ms), nil
}

func (s *Service) failures(ctx context.Context, k Key) (int64, error) {
	v, ok, err := s.get(ctx, "get counter", k.counter())
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, s.unavailable("parse counter", err)
	}
	return n, nil
}

func (s *Service) strikes(ctx context.Context, k Key) (int, error) {
	v, ok, err := s.get(ctx, "get strikes", k.strikes())
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, s.unavailable("parse strikes", err)
	}
	return n, nil
}

func (s *Service) incr(ctx context.Context, k Key) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	n, err := s.cache.IncrWindow(ctx, k.counter(), s.window)
	if err != nil {
		return 0, s.unavailable("incr", err)
	}
	return n, nil
}

func (s *Service) get(ctx context.Context, op, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return "", false, s.unavailable(op, err)
	}
	return v, ok, nil
}

func (s *Service) set(ctx context.Context, op, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		return s.unavailable(op, err)
	}
	return nil
}

func (s *Service) del(ctx context.Context, op string, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.cache.Del(ctx, keys...); err != nil {
		return s.unavailable(op, err)
	}
	return nil
}

func (s *Service) unavailable(op string, err error) error {
	obs.LockoutCacheError()
	s.log.Error().Err(err).Str("op", op).Msg("lockout cache call failed")
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func stateOf(st Status) State {
	switch {
	case st.Locked:
		return StateLocked
	case st.Failures > 0:
		return StateWarming
	default:
		return StateOpen
	}
}
