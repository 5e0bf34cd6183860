package account

import (
	"context"
	"fmt"
	"time"

	"github.com/wenyu2333/gemini-relay/internal/store"
)

// TokenView is the admin-surface projection of an account. It carries the
// opaque token id, never the refresh token.
type TokenView struct {
	TokenID      string `json:"tokenId"`
	Email        string `json:"email,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	Enable       bool   `json:"enable"`
	Expired      bool   `json:"expired"`
	RequestCount int    `json:"requestCount"`
}

// TokenUpdate is a partial update applied by UpdateTokenByID. Nil fields are
// left untouched.
type TokenUpdate struct {
	Enable    *bool   `json:"enable,omitempty"`
	ProjectID *string `json:"projectId,omitempty"`
	Email     *string `json:"email,omitempty"`
}

// GetTokenList returns admin views for every persisted account, including
// disabled ones.
func (m *Manager) GetTokenList() ([]TokenView, error) {
	accounts, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	m.mu.Lock()
	counts := make(map[string]int, len(m.requestCounts))
	for k, v := range m.requestCounts {
		counts[k] = v
	}
	m.mu.Unlock()

	views := make([]TokenView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, TokenView{
			TokenID:      m.TokenID(account),
			Email:        account.Email,
			ProjectID:    account.ProjectID,
			Enable:       account.Enable,
			Expired:      account.IsExpired(now, 0),
			RequestCount: counts[account.RefreshToken],
		})
	}
	return views, nil
}

// AddToken inserts a new account (or re-enables and updates an existing one
// with the same refresh token) and rebuilds the active list.
func (m *Manager) AddToken(account *store.Account) error {
	if account == nil || account.RefreshToken == "" {
		return fmt.Errorf("account: refresh token required")
	}
	account.Enable = true
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
		return err
	}
	return m.Reload()
}

// UpdateTokenByID applies a partial update to the account with the given
// token id.
func (m *Manager) UpdateTokenByID(tokenID string, update TokenUpdate) error {
	found := false
	if err := m.store.Merge(func(persisted []*store.Account) []*store.Account {
		for _, candidate := range persisted {
			if m.TokenID(candidate) != tokenID {
				continue
			}
			found = true
			if update.Enable != nil {
				candidate.Enable = *update.Enable
			}
			if update.ProjectID != nil {
				candidate.ProjectID = *update.ProjectID
			}
			if update.Email != nil {
				candidate.Email = *update.Email
			}
		}
		return persisted
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("account: token %s not found", tokenID)
	}
	return m.Reload()
}

// DeleteTokenByID removes the account with the given token id.
func (m *Manager) DeleteTokenByID(tokenID string) error {
	found := false
	if err := m.store.Merge(func(persisted []*store.Account) []*store.Account {
		kept := persisted[:0]
		for _, candidate := range persisted {
			if m.TokenID(candidate) == tokenID {
				found = true
				continue
			}
			kept = append(kept, candidate)
		}
		return kept
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("account: token %s not found", tokenID)
	}
	return m.Reload()
}

// RefreshTokenByID forces an OAuth refresh for the account with the given id.
func (m *Manager) RefreshTokenByID(ctx context.Context, tokenID string) error {
	account, err := m.findByID(tokenID)
	if err != nil {
		return err
	}
	return m.RefreshToken(ctx, account)
}

// FetchProjectIDForToken forces a Project ID bootstrap for the account with
// the given id and returns the resolved project.
func (m *Manager) FetchProjectIDForToken(ctx context.Context, tokenID string) (string, error) {
	account, err := m.findByID(tokenID)
	if err != nil {
		return "", err
	}
	return m.FetchProjectID(ctx, account)
}

// ExportTokens returns the raw persisted pool for backup. The admin surface
// re-verifies the management password before exposing this.
func (m *Manager) ExportTokens() ([]*store.Account, error) {
	return m.store.Load()
}

// ImportTokens merges external accounts into the pool, keyed by refresh token.
func (m *Manager) ImportTokens(accounts []*store.Account) error {
	if err := m.store.Merge(func(persisted []*store.Account) []*store.Account {
		index := make(map[string]int, len(persisted))
		for i, candidate := range persisted {
			index[candidate.RefreshToken] = i
		}
		for _, incoming := range accounts {
			if incoming == nil || incoming.RefreshToken == "" {
				continue
			}
			copied := *incoming
			if i, ok := index[incoming.RefreshToken]; ok {
				persisted[i] = &copied
			} else {
				persisted = append(persisted, &copied)
			}
		}
		return persisted
	}); err != nil {
		return err
	}
	return m.Reload()
}

// findByID locates a live account by token id, preferring the active list so
// refreshes mutate the shared instance handlers see.
func (m *Manager) findByID(tokenID string) (*store.Account, error) {
	m.mu.Lock()
	for _, candidate := range m.active {
		if m.TokenID(candidate) == tokenID {
			m.mu.Unlock()
			return candidate, nil
		}
	}
	m.mu.Unlock()

	accounts, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	for _, candidate := range accounts {
		if m.TokenID(candidate) == tokenID {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("account: token %s not found", tokenID)
}
