// Package session implements the Session Manager (spec.md §4.1): it keeps
// a live authenticated context per Gate/Bybit account without blocking
// callers, refreshing credentials on a background schedule the way
// services/otc-gateway/auth's refreshableSecret does.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/greenline-otc/bridge/internal/bus"
	"github.com/greenline-otc/bridge/internal/store"
)

// ErrorKind classifies a venue failure so Manager can decide whether the
// session must be invalidated (spec §4.1 failure semantics).
type ErrorKind string

const (
	ErrorKindAuthInvalid ErrorKind = "auth_invalid"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindTransport    ErrorKind = "transport"
)

// ErrClockSkew is returned by Sign when local wall clock has drifted more
// than recv_window relative to the last observed server response.
var ErrClockSkew = errors.New("session: clock skew exceeds recv_window")

// GateSession is the opaque, successfully authenticated Gate context
// handed to callers. Cookies is never inspected outside the session
// manager and the (out-of-scope) Gate HTTP client that consumes it.
type GateSession struct {
	AccountID uuid.UUID
	Cookies   []byte
	LoggedInAt time.Time
}

// GateLoginer is the external collaborator that performs the actual Gate
// login HTTP call; its concrete implementation is out of spec.md's scope.
type GateLoginer interface {
	Login(ctx context.Context, email, secret string) (cookies []byte, err error)
}

// BybitSigner produces the canonical HMAC-SHA256 signature headers for a
// Bybit REST call, using the venue's documented convention: payload =
// timestamp + api_key + recv_window + (body for POST, query for GET).
type BybitSigner struct {
	AccountID  uuid.UUID
	APIKey     string
	apiSecret  string
	recvWindow time.Duration
	now        func() time.Time
	skewGuard  *skewGuard
}

// Sign computes the headers for an outbound request. queryOrBody is the
// sorted query string for GET or the raw JSON body for POST, matching
// gateway/auth's CanonicalRequestPath convention of using the request's
// canonical bytes rather than raw user input.
func (s *BybitSigner) Sign(method, queryOrBody string) (headers map[string]string, err error) {
	now := s.now()
	if err := s.skewGuard.check(now); err != nil {
		return nil, err
	}
	recvWindowMs := strconv.FormatInt(s.recvWindow.Milliseconds(), 10)
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	payload := timestamp + s.APIKey + recvWindowMs + canonicalize(method, queryOrBody)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"X-BAPI-API-KEY":     s.APIKey,
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": recvWindowMs,
		"X-BAPI-SIGN":        sig,
	}, nil
}

// canonicalize normalizes a GET query string (sorted, as gateway/auth's
// CanonicalQuery does) and leaves POST bodies untouched.
func canonicalize(method, queryOrBody string) string {
	if !strings.EqualFold(method, "GET") || queryOrBody == "" {
		return queryOrBody
	}
	parts := strings.Split(queryOrBody, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// skewGuard bounds the acceptable drift between local wall clock and the
// last server response observed for the account (spec §4.1).
type skewGuard struct {
	recvWindow   time.Duration
	lastServerAt atomic.Value // time.Time
}

func (g *skewGuard) Observe(serverTime time.Time) {
	g.lastServerAt.Store(serverTime)
}

func (g *skewGuard) check(now time.Time) error {
	v := g.lastServerAt.Load()
	if v == nil {
		return nil
	}
	last := v.(time.Time)
	drift := now.Sub(last)
	if drift < 0 {
		drift = -drift
	}
	if drift > g.recvWindow {
		return ErrClockSkew
	}
	return nil
}

// account is the manager's live working set entry for one Gate or Bybit
// account: the refreshable credential plus consecutive-failure tracking.
type account struct {
	mu              sync.Mutex
	gateSession     *refreshable
	bybitSigner     *BybitSigner
	consecutiveFail int
}

// refreshable mirrors services/otc-gateway/auth's refreshableSecret:
// atomic.Value-backed cache with a ticker-driven background refresh that
// never blocks callers of Value().
type refreshable struct {
	value    atomic.Value
	fetch    func(context.Context) (any, error)
	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newRefreshable(ctx context.Context, interval time.Duration, logger *slog.Logger, fetch func(context.Context) (any, error)) (*refreshable, error) {
	if fetch == nil {
		return nil, errors.New("refreshable requires fetch function")
	}
	initial, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	r := &refreshable{fetch: fetch, interval: interval, logger: logger}
	r.value.Store(initial)
	if interval > 0 {
		r.stopCh = make(chan struct{})
		r.doneCh = make(chan struct{})
		go r.loop()
	}
	return r, nil
}

func (r *refreshable) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.doneCh)
	for {
		select {
		case <-ticker.C:
			value, err := r.fetch(context.Background())
			if err != nil {
				if r.logger != nil {
					r.logger.Warn("session: background refresh failed", "error", err)
				}
				continue
			}
			if value != nil {
				r.value.Store(value)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *refreshable) Value() any {
	if r == nil {
		return nil
	}
	return r.value.Load()
}

func (r *refreshable) Close() {
	if r == nil || r.interval <= 0 {
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Store is the subset of persistence the Manager needs.
type Store interface {
	GetGateAccount(ctx context.Context, id uuid.UUID) (store.GateAccount, error)
	SaveGateSession(ctx context.Context, id uuid.UUID, cookies []byte, at time.Time) error
	SetGateAccountStatus(ctx context.Context, id uuid.UUID, status store.GateAccountStatus) error
	GetBybitAccount(ctx context.Context, id uuid.UUID) (store.BybitAccount, error)
	SetBybitAccountStatus(ctx context.Context, id uuid.UUID, status store.BybitAccountStatus) error
}

// Manager is the Session Manager of spec §4.1.
type Manager struct {
	store           Store
	loginer         GateLoginer
	bus             *bus.Bus
	logger          *slog.Logger
	sessionTTL      time.Duration
	refreshInterval time.Duration
	recvWindow      time.Duration
	failCeiling     int
	now             func() time.Time

	mu       sync.Mutex
	accounts map[uuid.UUID]*account
}

// Config configures a Manager.
type Config struct {
	SessionTTL      time.Duration
	RefreshInterval time.Duration
	RecvWindow      time.Duration
	FailCeiling     int
	Now             func() time.Time
}

// NewManager constructs a Manager. store/loginer/bus/logger are required
// collaborators; store is the persistence layer, loginer is the external
// Gate login call (out of spec scope), bus publishes session_lost.
func NewManager(st Store, loginer GateLoginer, eventBus *bus.Bus, logger *slog.Logger, cfg Config) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 25 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 25 * time.Minute
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.FailCeiling <= 0 {
		cfg.FailCeiling = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:           st,
		loginer:         loginer,
		bus:             eventBus,
		logger:          logger,
		sessionTTL:      cfg.SessionTTL,
		refreshInterval: cfg.RefreshInterval,
		recvWindow:      cfg.RecvWindow,
		failCeiling:     cfg.FailCeiling,
		now:             cfg.Now,
		accounts:        make(map[uuid.UUID]*account),
	}
}

// AcquireGate returns a valid Gate session without blocking on a network
// round trip when a cached session is still fresh: the first call per
// account performs a login (or reuses the persisted blob if within TTL)
// and then a background goroutine proactively refreshes it every
// refreshInterval, mirroring services/otc-gateway/auth's refreshableSecret.
func (m *Manager) AcquireGate(ctx context.Context, accountID uuid.UUID) (GateSession, error) {
	m.mu.Lock()
	entry, ok := m.accounts[accountID]
	if !ok {
		entry = &account{}
		m.accounts[accountID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.gateSession == nil {
		fetch := m.gateFetchFunc(accountID)
		rs, err := newRefreshable(ctx, m.refreshInterval, m.logger, fetch)
		if err != nil {
			m.recordFailure(ctx, accountID, ErrorKindAuthInvalid, true)
			return GateSession{}, fmt.Errorf("gate login: %w", err)
		}
		entry.gateSession = rs
		m.resetFailures(accountID)
		return rs.Value().(GateSession), nil
	}
	return entry.gateSession.Value().(GateSession), nil
}

// gateFetchFunc returns a refreshable.fetch closure that reuses a
// still-fresh persisted session or performs a fresh login otherwise.
func (m *Manager) gateFetchFunc(accountID uuid.UUID) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		acc, err := m.store.GetGateAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("load gate account: %w", err)
		}
		now := m.now()
		if acc.Authenticated(now, m.sessionTTL) {
			return GateSession{AccountID: accountID, Cookies: acc.Cookies, LoggedInAt: *acc.LastAuthAt}, nil
		}
		cookies, err := m.loginer.Login(ctx, acc.Email, acc.Secret)
		if err != nil {
			m.recordFailure(ctx, accountID, ErrorKindAuthInvalid, true)
			return nil, fmt.Errorf("gate login: %w", err)
		}
		if err := m.store.SaveGateSession(ctx, accountID, cookies, now); err != nil {
			return nil, fmt.Errorf("persist gate session: %w", err)
		}
		m.resetFailures(accountID)
		return GateSession{AccountID: accountID, Cookies: cookies, LoggedInAt: now}, nil
	}
}

// AcquireBybit returns a signer capable of authenticating REST requests
// for the given Bybit account.
func (m *Manager) AcquireBybit(ctx context.Context, accountID uuid.UUID) (*BybitSigner, error) {
	acc, err := m.store.GetBybitAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load bybit account: %w", err)
	}
	if acc.Status == store.BybitAccountError {
		return nil, fmt.Errorf("bybit account %s is in error state", accountID)
	}
	m.mu.Lock()
	entry, ok := m.accounts[accountID]
	if !ok {
		entry = &account{}
		m.accounts[accountID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.bybitSigner == nil {
		entry.bybitSigner = &BybitSigner{
			AccountID:  accountID,
			APIKey:     acc.APIKey,
			apiSecret:  acc.APISecret,
			recvWindow: m.recvWindow,
			now:        m.now,
			skewGuard:  &skewGuard{recvWindow: m.recvWindow},
		}
	}
	return entry.bybitSigner, nil
}

// MarkFailed records a caller-reported failure. ErrorKindAuthInvalid
// counts toward the consecutive-failure ceiling (see recordFailure); any
// other kind moves a Gate account to suspended or a Bybit account to
// error at once. MarkFailed does not drop the cached Gate session or
// Bybit signer.
func (m *Manager) MarkFailed(ctx context.Context, accountID uuid.UUID, kind ErrorKind, isGate bool) error {
	if kind == ErrorKindAuthInvalid {
		return m.recordFailure(ctx, accountID, kind, isGate)
	}
	if isGate {
		return m.store.SetGateAccountStatus(ctx, accountID, store.GateAccountSuspended)
	}
	return m.store.SetBybitAccountStatus(ctx, accountID, store.BybitAccountError)
}

func (m *Manager) recordFailure(ctx context.Context, accountID uuid.UUID, kind ErrorKind, isGate bool) error {
	m.mu.Lock()
	entry, ok := m.accounts[accountID]
	if !ok {
		entry = &account{}
		m.accounts[accountID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.consecutiveFail++
	count := entry.consecutiveFail
	entry.mu.Unlock()

	if count < m.failCeiling {
		return nil
	}
	if isGate {
		if err := m.store.SetGateAccountStatus(ctx, accountID, store.GateAccountSuspended); err != nil {
			return err
		}
	} else {
		if err := m.store.SetBybitAccountStatus(ctx, accountID, store.BybitAccountError); err != nil {
			return err
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindSessionLost, Details: accountID.String()})
	}
	m.logger.Warn("session: account marked error after consecutive failures",
		"account_id", accountID, "kind", string(kind), "failures", count)
	return nil
}

func (m *Manager) resetFailures(accountID uuid.UUID) {
	m.mu.Lock()
	entry, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.consecutiveFail = 0
	entry.mu.Unlock()
}

// ObserveServerTime records the last observed server response time for an
// account's Bybit signer, bounding future clock-skew checks.
func (m *Manager) ObserveServerTime(accountID uuid.UUID, serverTime time.Time) {
	m.mu.Lock()
	entry, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok || entry.bybitSigner == nil {
		return
	}
	entry.bybitSigner.skewGuard.Observe(serverTime)
}

// Close stops any background refresh loops owned by the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.accounts {
		if entry.gateSession != nil {
			entry.gateSession.Close()
		}
	}
}
