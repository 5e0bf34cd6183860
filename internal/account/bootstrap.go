package account

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/store"
)

const onboardMaxAttempts = 5

// onboardPollInterval is a variable so tests can shorten the polling loop.
var onboardPollInterval = 2 * time.Second

// FetchProjectID resolves the cloudaicompanionProject for an account via
// loadCodeAssist, onboarding the user when no tier is assigned yet. The
// resolved id is written to the account and persisted. An empty return after
// all onboarding attempts means the account cannot serve and the caller
// disables it.
func (m *Manager) FetchProjectID(ctx context.Context, account *store.Account) (string, error) {
	if account.ProjectID != "" {
		return account.ProjectID, nil
	}

	body, err := m.assistPost(ctx, account, "loadCodeAssist", `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)
	if err != nil {
		return "", err
	}

	if gjson.GetBytes(body, "currentTier").Exists() {
		projectID := extractProjectID(gjson.GetBytes(body, "cloudaicompanionProject"))
		if projectID != "" {
			m.setProjectID(account, projectID)
		}
		return projectID, nil
	}

	tierID := defaultTierID(body)
	onboardReq := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`
	onboardReq, _ = sjson.Set(onboardReq, "tierId", tierID)

	for attempt := 0; attempt < onboardMaxAttempts; attempt++ {
		onboardBody, errOnboard := m.assistPost(ctx, account, "onboardUser", onboardReq)
		if errOnboard != nil {
			return "", errOnboard
		}
		if gjson.GetBytes(onboardBody, "done").Bool() {
			projectID := extractProjectID(gjson.GetBytes(onboardBody, "response.cloudaicompanionProject"))
			if projectID != "" {
				m.setProjectID(account, projectID)
			}
			return projectID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(onboardPollInterval):
		}
	}
	log.Warnf("%s: onboarding for %s did not complete after %d attempts", m.variant.Name, m.TokenID(account), onboardMaxAttempts)
	return "", nil
}

// extractProjectID accepts both shapes the upstream returns: a bare string or
// an object carrying an id.
func extractProjectID(result gjson.Result) string {
	if result.Type == gjson.String {
		return strings.TrimSpace(result.String())
	}
	return strings.TrimSpace(result.Get("id").String())
}

// defaultTierID picks the default-allowed tier from a loadCodeAssist response.
func defaultTierID(body []byte) string {
	tierID := "legacy-tier"
	gjson.GetBytes(body, "allowedTiers").ForEach(func(_, tier gjson.Result) bool {
		if tier.Get("isDefault").Bool() {
			if id := strings.TrimSpace(tier.Get("id").String()); id != "" {
				tierID = id
			}
			return false
		}
		return true
	})
	return tierID
}

func (m *Manager) setProjectID(account *store.Account, projectID string) {
	m.mu.Lock()
	account.ProjectID = projectID
	m.mu.Unlock()
	m.persist(account)
}

// assistPost issues one v1internal call with the variant's spoofed headers.
func (m *Manager) assistPost(ctx context.Context, account *store.Account, action, payload string) ([]byte, error) {
	endpoint := strings.TrimSuffix(m.assistBase, "/") + "/" + apiVersion + ":" + action
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+account.AccessToken)
	httpReq.Header.Set("User-Agent", m.variant.UserAgent)
	httpReq.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
	httpReq.Header.Set("Client-Metadata", clientMetadata)

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("%s: close %s response body error: %v", m.variant.Name, action, errClose)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TokenError{
			Message: strings.TrimSpace(string(body)),
			TokenID: m.TokenID(account),
			Status:  httpResp.StatusCode,
		}
	}
	return body, nil
}
