package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/store"
)

// refreshBufferMillis is the lead time before expiry at which a token is
// treated as expired and refreshed.
const refreshBufferMillis = 300_000

// Manager owns one account pool. It is the single writer for its accounts:
// handlers receive read-only views and never mutate them.
type Manager struct {
	mu sync.Mutex

	variant Variant
	store   *store.Store
	client  *http.Client

	// tokenURL and assistBase are overridable for tests.
	tokenURL   string
	assistBase string

	active []*store.Account

	currentIndex  int
	strategy      config.RotationStrategy
	requestBudget int
	requestCounts map[string]int

	// inflight deduplicates concurrent refreshes of the same account.
	inflight map[string]chan struct{}
}

// NewManager loads the pool from the store, drops disabled accounts and
// concurrently refreshes every expired one. Refreshes failing with 400/403
// disable the account; the disables are persisted in one batch.
func NewManager(ctx context.Context, variant Variant, st *store.Store, cfg *config.Config, client *http.Client) (*Manager, error) {
	m, err := newManager(variant, st, cfg, client)
	if err != nil {
		return nil, err
	}
	m.refreshExpiredAccounts(ctx)
	return m, nil
}

// newManager builds the manager and loads the active list without touching
// the network.
func newManager(variant Variant, st *store.Store, cfg *config.Config, client *http.Client) (*Manager, error) {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second}
	}
	m := &Manager{
		variant:       variant,
		store:         st,
		client:        client,
		tokenURL:      OAuthTokenURL,
		assistBase:    variant.BaseURLs[0],
		strategy:      cfg.Rotation.Strategy,
		requestBudget: cfg.Rotation.RequestCount,
		requestCounts: make(map[string]int),
		inflight:      make(map[string]chan struct{}),
	}
	accounts, err := st.Load()
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		if account.Enable {
			m.active = append(m.active, account)
		}
	}
	return m, nil
}

// Variant returns the pool's upstream variant.
func (m *Manager) Variant() Variant { return m.variant }

// refreshExpiredAccounts refreshes all expired active accounts concurrently.
// Failures are isolated per account.
func (m *Manager) refreshExpiredAccounts(ctx context.Context) {
	now := time.Now().UnixMilli()
	var expired []*store.Account
	m.mu.Lock()
	for _, account := range m.active {
		if account.IsExpired(now, refreshBufferMillis) {
			expired = append(expired, account)
		}
	}
	m.mu.Unlock()
	if len(expired) == 0 {
		return
	}

	var disabledMu sync.Mutex
	var disabled []string

	g, gctx := errgroup.WithContext(ctx)
	for _, account := range expired {
		account := account
		g.Go(func() error {
			if err := m.RefreshToken(gctx, account); err != nil {
				var tokenErr *TokenError
				if asTokenError(err, &tokenErr) && tokenErr.Fatal() {
					disabledMu.Lock()
					disabled = append(disabled, account.RefreshToken)
					disabledMu.Unlock()
				} else {
					log.Warnf("%s: startup refresh failed for %s: %v", m.variant.Name, m.TokenID(account), err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(disabled) > 0 {
		m.disableBatch(disabled)
	}
}

func asTokenError(err error, target **TokenError) bool {
	te, ok := err.(*TokenError)
	if ok {
		*target = te
	}
	return ok
}

// TokenID derives the opaque admin-surface id for an account.
func (m *Manager) TokenID(account *store.Account) string {
	return store.TokenID(account.RefreshToken, m.store.Salt())
}

// ActiveCount returns the number of enabled accounts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// GetToken returns an active, refreshed account or nil when the pool is
// exhausted. It never returns a disabled account and never fails hard:
// accounts that cannot be prepared are skipped (and disabled on 400/403).
func (m *Manager) GetToken(ctx context.Context) *store.Account {
	m.mu.Lock()
	// Under request_count the cursor moves lazily: once the current account
	// has spent its budget, the next call starts on the following account.
	if m.strategy == config.RotationRequestCount && len(m.active) > 0 {
		if m.currentIndex >= len(m.active) {
			m.currentIndex = 0
		}
		current := m.active[m.currentIndex]
		if m.requestCounts[current.RefreshToken] >= m.requestBudget {
			m.requestCounts[current.RefreshToken] = 0
			m.currentIndex = (m.currentIndex + 1) % len(m.active)
		}
	}
	candidates := append([]*store.Account(nil), m.active...)
	start := m.currentIndex
	m.mu.Unlock()

	n := len(candidates)
	if n == 0 {
		return nil
	}
	if start >= n {
		start = 0
	}

	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		account := candidates[idx]
		if err := m.prepare(ctx, account); err != nil {
			var tokenErr *TokenError
			if asTokenError(err, &tokenErr) && tokenErr.Fatal() {
				log.Warnf("%s: disabling account %s: %v", m.variant.Name, m.TokenID(account), err)
				m.Disable(account)
			} else {
				log.Debugf("%s: skipping account %s: %v", m.variant.Name, m.TokenID(account), err)
			}
			continue
		}
		m.advance(idx, n)
		return account
	}
	return nil
}

// prepare ensures the account has a fresh access token and, when the variant
// demands it, a bootstrapped Project ID.
func (m *Manager) prepare(ctx context.Context, account *store.Account) error {
	if account.IsExpired(time.Now().UnixMilli(), refreshBufferMillis) {
		if err := m.RefreshToken(ctx, account); err != nil {
			return err
		}
	}
	if m.variant.RequiresProject && account.ProjectID == "" {
		projectID, err := m.FetchProjectID(ctx, account)
		if err != nil {
			return err
		}
		if projectID == "" {
			return &TokenError{Message: "project id bootstrap failed", TokenID: m.TokenID(account), Status: 403}
		}
	}
	return nil
}

// advance moves the rotation cursor according to the configured strategy.
func (m *Manager) advance(selected, poolSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.strategy {
	case config.RotationRoundRobin:
		m.currentIndex = (selected + 1) % poolSize
	case config.RotationRequestCount, config.RotationQuotaExhausted:
		m.currentIndex = selected
	}
	if len(m.active) > 0 && m.currentIndex >= len(m.active) {
		m.currentIndex = 0
	}
}

// RecordRequest increments the per-account request counter. Handlers call it
// once per logical request after a success, not once per retry attempt.
func (m *Manager) RecordRequest(account *store.Account) {
	if account == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCounts[account.RefreshToken]++
}

// ReportQuotaExhausted advances past the given account under the
// quota_exhausted strategy. Other strategies ignore the report.
func (m *Manager) ReportQuotaExhausted(account *store.Account) {
	if account == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strategy != config.RotationQuotaExhausted {
		return
	}
	for i, candidate := range m.active {
		if candidate.RefreshToken == account.RefreshToken {
			m.currentIndex = (i + 1) % len(m.active)
			return
		}
	}
}

// UpdateRotationConfig swaps the rotation policy and clears request counters.
func (m *Manager) UpdateRotationConfig(strategy config.RotationStrategy, requestCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch strategy {
	case config.RotationRoundRobin, config.RotationRequestCount, config.RotationQuotaExhausted:
		m.strategy = strategy
	}
	if requestCount > 0 {
		m.requestBudget = requestCount
	}
	m.requestCounts = make(map[string]int)
}

// RefreshToken performs a refresh-token grant and persists the new access
// token. Concurrent refreshes of the same account are deduplicated; the late
// caller observes the winner's fields. A 400/403 from the token endpoint
// disables the account before the error is returned.
func (m *Manager) RefreshToken(ctx context.Context, account *store.Account) error {
	done, leader := m.enterRefresh(account.RefreshToken)
	if !leader {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if account.IsExpired(time.Now().UnixMilli(), refreshBufferMillis) {
			return &TokenError{Message: "refresh did not produce a live token", TokenID: m.TokenID(account), Status: 0}
		}
		return nil
	}
	defer m.leaveRefresh(account.RefreshToken)

	err := m.doRefresh(ctx, account)
	if err != nil {
		var tokenErr *TokenError
		if asTokenError(err, &tokenErr) && tokenErr.Fatal() {
			m.Disable(account)
		}
	}
	return err
}

func (m *Manager) enterRefresh(refreshToken string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.inflight[refreshToken]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	m.inflight[refreshToken] = ch
	return ch, true
}

func (m *Manager) leaveRefresh(refreshToken string) {
	m.mu.Lock()
	ch := m.inflight[refreshToken]
	delete(m.inflight, refreshToken)
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (m *Manager) doRefresh(ctx context.Context, account *store.Account) error {
	// The CLI variant refreshes through the standard oauth2 token source the
	// way Gemini CLI itself does; antigravity uses the raw form grant so the
	// upstream status code stays visible.
	if m.variant.Name == GeminiCLIVariant.Name {
		return m.doRefreshOAuth2(ctx, account)
	}
	form := url.Values{}
	form.Set("client_id", m.variant.ClientID)
	form.Set("client_secret", m.variant.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", account.RefreshToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("User-Agent", m.variant.UserAgent)

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return &TokenError{Message: err.Error(), TokenID: m.TokenID(account), Status: 0}
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("%s: close token response body error: %v", m.variant.Name, errClose)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &TokenError{Message: err.Error(), TokenID: m.TokenID(account), Status: 0}
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return &TokenError{
			Message: strings.TrimSpace(string(body)),
			TokenID: m.TokenID(account),
			Status:  httpResp.StatusCode,
		}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if errUnmarshal := json.Unmarshal(body, &tokenResp); errUnmarshal != nil {
		return &TokenError{Message: fmt.Sprintf("parse token response: %v", errUnmarshal), TokenID: m.TokenID(account), Status: 0}
	}
	if tokenResp.AccessToken == "" {
		return &TokenError{Message: "token response missing access_token", TokenID: m.TokenID(account), Status: 0}
	}

	// The three fields replace each other atomically under the manager lock;
	// a racing reader sees either the old or the new token, never a mix.
	m.mu.Lock()
	account.AccessToken = tokenResp.AccessToken
	account.ExpiresIn = tokenResp.ExpiresIn
	account.Timestamp = time.Now().UnixMilli()
	if tokenResp.RefreshToken != "" && tokenResp.RefreshToken != account.RefreshToken {
		delete(m.requestCounts, account.RefreshToken)
		account.RefreshToken = tokenResp.RefreshToken
	}
	m.mu.Unlock()

	m.persist(account)
	return nil
}

// doRefreshOAuth2 refreshes via an oauth2 token source. Retrieve errors keep
// their HTTP status so the 400/403 disable rule still applies.
func (m *Manager) doRefreshOAuth2(ctx context.Context, account *store.Account) error {
	conf := &oauth2.Config{
		ClientID:     m.variant.ClientID,
		ClientSecret: m.variant.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return &TokenError{
				Message: strings.TrimSpace(string(retrieveErr.Body)),
				TokenID: m.TokenID(account),
				Status:  retrieveErr.Response.StatusCode,
			}
		}
		return &TokenError{Message: err.Error(), TokenID: m.TokenID(account), Status: 0}
	}
	if tok.AccessToken == "" {
		return &TokenError{Message: "token response missing access_token", TokenID: m.TokenID(account), Status: 0}
	}

	expiresIn := int64(3600)
	if !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}

	m.mu.Lock()
	account.AccessToken = tok.AccessToken
	account.ExpiresIn = expiresIn
	account.Timestamp = time.Now().UnixMilli()
	if tok.RefreshToken != "" && tok.RefreshToken != account.RefreshToken {
		delete(m.requestCounts, account.RefreshToken)
		account.RefreshToken = tok.RefreshToken
	}
	m.mu.Unlock()

	m.persist(account)
	return nil
}

// Disable marks the account disabled, persists the flag and drops it from the
// active list. In-flight holders of the account finish their request against
// the stale view.
func (m *Manager) Disable(account *store.Account) {
	account.Enable = false
	m.disableBatch([]string{account.RefreshToken})
}

func (m *Manager) disableBatch(refreshTokens []string) {
	set := make(map[string]struct{}, len(refreshTokens))
	for _, rt := range refreshTokens {
		set[rt] = struct{}{}
	}

	m.mu.Lock()
	kept := m.active[:0]
	for _, account := range m.active {
		if _, drop := set[account.RefreshToken]; drop {
			account.Enable = false
			continue
		}
		kept = append(kept, account)
	}
	m.active = kept
	if len(m.active) == 0 {
		m.currentIndex = 0
	} else if m.currentIndex >= len(m.active) {
		m.currentIndex = 0
	}
	m.mu.Unlock()

	if err := m.store.Merge(func(persisted []*store.Account) []*store.Account {
		for _, account := range persisted {
			if _, drop := set[account.RefreshToken]; drop {
				account.Enable = false
			}
		}
		return persisted
	}); err != nil {
		log.Errorf("%s: persist disable failed: %v", m.variant.Name, err)
	}
}

// persist writes the current fields of one account back to the store.
func (m *Manager) persist(account *store.Account) {
	if err := m.store.Merge(func(persisted []*store.Account) []*store.Account {
		for i, candidate := range persisted {
			if candidate.RefreshToken == account.RefreshToken {
				copied := *account
				persisted[i] = &copied
				return persisted
			}
		}
		copied := *account
		return append(persisted, &copied)
	}); err != nil {
		log.Errorf("%s: persist account failed: %v", m.variant.Name, err)
	}
}

// Reload rebuilds the active list from the store atomically.
func (m *Manager) Reload() error {
	accounts, err := m.store.Load()
	if err != nil {
		return err
	}
	var active []*store.Account
	for _, account := range accounts {
		if account.Enable {
			active = append(active, account)
		}
	}
	m.mu.Lock()
	m.active = active
	if m.currentIndex >= len(active) {
		m.currentIndex = 0
	}
	m.mu.Unlock()
	return nil
}
