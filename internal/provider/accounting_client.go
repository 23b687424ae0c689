package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultProviderTag is the variant tag stored on connection records
	// created through the standard credential exchange flow.
	DefaultProviderTag = "accounting"

	tenantHeader   = "X-Tenant-Id"
	maxResponseLen = 10 * 1048576
)

// AccountingClient talks to the accounting provider's OAuth and REST
// endpoints.  All failures are classified into the domain error taxonomy
// so the retry processor can decide what to do without provider
// knowledge.
type AccountingClient struct {
	httpClient    *http.Client
	apiBaseUrl    string
	tokenUrl      string
	revocationUrl string
	clientId      string
	clientSecret  string
}

func NewAccountingClient(cfg *config.Config) *AccountingClient {
	return &AccountingClient{
		httpClient:    &http.Client{Timeout: cfg.ProviderHttpTimeout},
		apiBaseUrl:    strings.TrimRight(cfg.ProviderApiBaseUrl, "/"),
		tokenUrl:      cfg.ProviderTokenUrl,
		revocationUrl: cfg.ProviderRevocationUrl,
		clientId:      cfg.ProviderClientId,
		clientSecret:  cfg.ProviderClientSecret,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TenantID     string `json:"tenant_id"`
	TenantName   string `json:"tenant_name"`
}

func (c *AccountingClient) ExchangeCode(ctx context.Context, code string) (domain.TokenBundle, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	return c.tokenGrant(ctx, form)
}

func (c *AccountingClient) RefreshToken(ctx context.Context, refreshToken string) (domain.TokenBundle, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.tokenGrant(ctx, form)
}

func (c *AccountingClient) tokenGrant(ctx context.Context, form url.Values) (domain.TokenBundle, error) {
	var bundle domain.TokenBundle

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenUrl, strings.NewReader(form.Encode()))
	if err != nil {
		return bundle, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientId, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return bundle, fmt.Errorf("%w: token endpoint unreachable: %v", domain.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	// The identity server rejects bad grants with a 400, not a 401.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return bundle, fmt.Errorf("%w: token grant rejected (status %d)", domain.ErrAuthentication, resp.StatusCode)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return bundle, err
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseLen)).Decode(&tr); err != nil {
		return bundle, fmt.Errorf("unable to decode token response: %w", err)
	}

	if tr.AccessToken == "" {
		return bundle, fmt.Errorf("%w: token response missing access token", domain.ErrAuthentication)
	}

	bundle = domain.TokenBundle{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		TenantID:     domain.TenantID(tr.TenantID),
		TenantName:   tr.TenantName,
	}
	if tr.Scope != "" {
		bundle.Scopes = strings.Fields(tr.Scope)
	}

	return bundle, nil
}

func (c *AccountingClient) RevokeToken(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("token_type_hint", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationUrl, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientId, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revocation endpoint unreachable: %v", domain.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

func (c *AccountingClient) FetchEntity(ctx context.Context, accessToken string, tenantID domain.TenantID, entityType domain.EntityType, externalID string) (*Entity, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.apiBaseUrl, url.PathEscape(entityType.String()), url.PathEscape(externalID))

	body, err := c.get(ctx, endpoint, accessToken, tenantID)
	if err != nil {
		return nil, err
	}

	var entity Entity
	if err := json.Unmarshal(body, &entity); err != nil {
		return nil, fmt.Errorf("unable to decode %s %s: %w", entityType, externalID, err)
	}
	entity.Raw = body

	return &entity, nil
}

type listResponse struct {
	Items   []json.RawMessage `json:"items"`
	HasMore bool              `json:"has_more"`
}

func (c *AccountingClient) ListEntities(ctx context.Context, accessToken string, tenantID domain.TenantID, entityType domain.EntityType, since *time.Time, page int) (*EntityPage, error) {
	endpoint, err := url.Parse(fmt.Sprintf("%s/%s", c.apiBaseUrl, url.PathEscape(entityType.String())))
	if err != nil {
		return nil, err
	}

	query := endpoint.Query()
	query.Set("page", strconv.Itoa(page))
	if since != nil {
		query.Set("modified_since", since.UTC().Format(time.RFC3339))
	}
	endpoint.RawQuery = query.Encode()

	body, err := c.get(ctx, endpoint.String(), accessToken, tenantID)
	if err != nil {
		return nil, err
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("unable to decode %s listing: %w", entityType, err)
	}

	entityPage := &EntityPage{HasMore: lr.HasMore}
	for _, raw := range lr.Items {
		var entity Entity
		if err := json.Unmarshal(raw, &entity); err != nil {
			logger.Log.WithFields(logrus.Fields{"error": err, "tenant_id": tenantID, "entity_type": entityType}).Warn("Skipping undecodable entity in listing")
			continue
		}
		entity.Raw = raw
		entityPage.Entities = append(entityPage.Entities, entity)
	}

	return entityPage, nil
}

func (c *AccountingClient) get(ctx context.Context, endpoint string, accessToken string, tenantID domain.TenantID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tenantHeader, tenantID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: provider unreachable: %v", domain.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
}

func classifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: provider returned status %d", domain.ErrAuthentication, statusCode)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: provider returned status %d", domain.ErrNotFound, statusCode)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("%w: provider returned status %d", domain.ErrTransientUpstream, statusCode)
	default:
		return fmt.Errorf("unexpected provider status %d", statusCode)
	}
}
