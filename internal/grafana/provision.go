package grafana

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"portal-backend/internal/config"
	"portal-backend/internal/user"
)

// datasourceType is the Grafana driver for the tenant store.
const datasourceType = "postgres"

// TenantDB ensures the principal's backing database exists and returns its
// name.
type TenantDB interface {
	Ensure(ctx context.Context, displayName string) (string, error)
}

// BootstrapResult carries the durable artifacts of a provisioning run. The
// caller persists them on the user record.
type BootstrapResult struct {
	Token string
	OrgID int64
}

// Service orchestrates per-user Grafana provisioning: organization, service
// account, credential, tenant database, datasource and dashboard. Nothing is
// persisted locally; every step is an ensure against remote state so a failed
// run converges on retry.
type Service struct {
	client       *Client
	tenants      TenantDB
	db           config.DatabaseConfig
	templatePath string
}

// NewService creates a provisioning Service.
func NewService(client *Client, tenants TenantDB, cfg *config.Config) *Service {
	return &Service{
		client:       client,
		tenants:      tenants,
		db:           cfg.Database,
		templatePath: cfg.Grafana.DashboardTemplate,
	}
}

// Bootstrap runs the full provisioning sequence for a user and returns the
// freshly minted service-account token and organization id. Any step failure
// aborts the run; already-created remote objects are left for the next
// attempt to converge on.
func (s *Service) Bootstrap(ctx context.Context, u *user.User) (BootstrapResult, error) {
	orgID, err := s.ensureOrg(ctx, u)
	if err != nil {
		return BootstrapResult{}, err
	}

	sa, err := s.ensureServiceAccount(ctx, u, orgID)
	if err != nil {
		return BootstrapResult{}, err
	}

	key, err := s.rotateToken(ctx, sa.ID, orgID)
	if err != nil {
		return BootstrapResult{}, err
	}

	dbName, err := s.tenants.Ensure(ctx, u.Name)
	if err != nil {
		return BootstrapResult{}, err
	}

	dsName := slug.Make(u.Name) + "-db"
	if err := s.ensureDatasourceAndDashboard(ctx, orgID, dbName, dsName); err != nil {
		return BootstrapResult{}, err
	}

	return BootstrapResult{Token: key, OrgID: orgID}, nil
}

type orgCreateResponse struct {
	OrgID int64 `json:"orgId"`
}

type orgResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ensureOrg creates the user's organization ("u<id>") or, when the create
// response carries no id (name already taken), falls back to lookup by name.
func (s *Service) ensureOrg(ctx context.Context, u *user.User) (int64, error) {
	orgName := fmt.Sprintf("u%d", u.ID)

	var created orgCreateResponse
	if _, err := s.client.DoJSON(ctx, "POST", "/orgs", map[string]any{"name": orgName}, 0, &created); err != nil {
		return 0, err
	}
	if created.OrgID > 0 {
		return created.OrgID, nil
	}

	var existing orgResponse
	status, err := s.client.DoJSON(ctx, "GET", "/orgs/name/"+orgName, nil, 0, &existing)
	if err != nil {
		return 0, err
	}
	if !succeeded(status) || existing.ID == 0 {
		return 0, fmt.Errorf("organization %s neither created nor found (status %d)", orgName, status)
	}
	return existing.ID, nil
}

type serviceAccount struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type serviceAccountSearch struct {
	ServiceAccounts []serviceAccount `json:"serviceAccounts"`
}

// ensureServiceAccount finds the user's service account by its deterministic
// name within the organization, creating it with the Viewer role if absent.
func (s *Service) ensureServiceAccount(ctx context.Context, u *user.User, orgID int64) (serviceAccount, error) {
	saName := slug.Make(u.Name) + "-sa"

	query := url.Values{}
	query.Set("query", saName)
	query.Set("perpage", "1")

	var search serviceAccountSearch
	status, err := s.client.DoJSON(ctx, "GET", "/serviceaccounts/search?"+query.Encode(), nil, orgID, &search)
	if err != nil {
		return serviceAccount{}, err
	}
	if succeeded(status) && len(search.ServiceAccounts) > 0 {
		return search.ServiceAccounts[0], nil
	}

	var created serviceAccount
	status, err = s.client.DoJSON(ctx, "POST", "/serviceaccounts",
		map[string]any{"name": saName, "role": "Viewer"}, orgID, &created)
	if err != nil {
		return serviceAccount{}, err
	}
	if !succeeded(status) || created.ID == 0 {
		return serviceAccount{}, fmt.Errorf("create service account %s: status %d", saName, status)
	}
	return created, nil
}

type serviceAccountToken struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type tokenCreateResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// rotateToken deletes every existing token of the service account and mints
// exactly one new bearer token with no remote-side expiry. The previously
// issued credential, if any, is invalidated by this.
func (s *Service) rotateToken(ctx context.Context, saID, orgID int64) (string, error) {
	tokensPath := fmt.Sprintf("/serviceaccounts/%d/tokens", saID)

	var existing []serviceAccountToken
	if _, err := s.client.DoJSON(ctx, "GET", tokensPath, nil, orgID, &existing); err != nil {
		return "", err
	}

	for _, t := range existing {
		status, body, err := s.client.Do(ctx, "DELETE", fmt.Sprintf("%s/%d", tokensPath, t.ID), nil, orgID)
		if err != nil {
			return "", err
		}
		// A token that survives the delete would break the single-live-token
		// guarantee, so a failed delete aborts the rotation.
		if !succeeded(status) {
			return "", fmt.Errorf("delete service account token %d: status %d: %s", t.ID, status, body)
		}
	}

	payload := map[string]any{
		"name":          "t-" + uuid.NewString(),
		"role":          "Viewer",
		"secondsToLive": 0,
	}
	var created tokenCreateResponse
	status, err := s.client.DoJSON(ctx, "POST", tokensPath, payload, orgID, &created)
	if err != nil {
		return "", err
	}
	if !succeeded(status) || created.Key == "" {
		return "", fmt.Errorf("create service account token: status %d", status)
	}
	return created.Key, nil
}

type datasource struct {
	ID   int64  `json:"id"`
	UID  string `json:"uid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type datasourcePayload struct {
	ID             int64             `json:"id,omitempty"`
	UID            string            `json:"uid,omitempty"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Access         string            `json:"access"`
	IsDefault      bool              `json:"isDefault"`
	URL            string            `json:"url"`
	User           string            `json:"user"`
	Database       string            `json:"database"`
	JSONData       map[string]any    `json:"jsonData,omitempty"`
	SecureJSONData map[string]string `json:"secureJsonData"`
}

// ensureDatasourceAndDashboard makes the named datasource point at the tenant
// database (updating connection parameters in place when it already exists)
// and then imports the dashboard template bound to it. The dashboard import
// is best-effort.
func (s *Service) ensureDatasourceAndDashboard(ctx context.Context, orgID int64, dbName, dsName string) error {
	var ds datasource
	status, err := s.client.DoJSON(ctx, "GET", "/datasources/name/"+dsName, nil, orgID, &ds)
	if err != nil {
		return err
	}

	if succeeded(status) {
		update := datasourcePayload{
			ID:             ds.ID,
			UID:            ds.UID,
			Name:           dsName,
			Type:           ds.Type,
			Access:         "proxy",
			IsDefault:      true,
			URL:            s.db.Addr(),
			User:           s.db.User,
			Database:       dbName,
			JSONData:       map[string]any{"sslmode": "disable"},
			SecureJSONData: map[string]string{"password": s.db.Password},
		}
		if _, _, err := s.client.Do(ctx, "PUT", fmt.Sprintf("/datasources/%d", ds.ID), update, orgID); err != nil {
			return err
		}
	} else {
		create := datasourcePayload{
			Name:           dsName,
			Type:           datasourceType,
			Access:         "proxy",
			IsDefault:      true,
			URL:            s.db.Addr(),
			User:           s.db.User,
			Database:       dbName,
			JSONData:       map[string]any{"sslmode": "disable"},
			SecureJSONData: map[string]string{"password": s.db.Password},
		}
		status, body, err := s.client.Do(ctx, "POST", "/datasources", create, orgID)
		if err != nil {
			return err
		}
		if !succeeded(status) {
			return fmt.Errorf("create datasource %s: status %d: %s", dsName, status, body)
		}

		// Re-fetch to obtain the remote-assigned uid the dashboard binds to.
		status, err = s.client.DoJSON(ctx, "GET", "/datasources/name/"+dsName, nil, orgID, &ds)
		if err != nil {
			return err
		}
		if !succeeded(status) || ds.UID == "" {
			return fmt.Errorf("datasource %s not found after create: status %d", dsName, status)
		}
	}

	s.importDashboard(ctx, orgID, ds)
	return nil
}

// importDashboard loads the dashboard template, binds it to the datasource
// and imports it with overwrite semantics. Every failure here is tolerated:
// a missing template or a rejected import never blocks credential issuance.
func (s *Service) importDashboard(ctx context.Context, orgID int64, ds datasource) {
	raw, err := os.ReadFile(s.templatePath)
	if err != nil {
		return
	}

	dash, err := BindDatasource(raw, ds.Type, ds.UID)
	if err != nil {
		log.Printf("WARN: dashboard template %s: %v", s.templatePath, err)
		return
	}

	payload := map[string]any{
		"dashboard": dash,
		"folderId":  0,
		"overwrite": true,
	}
	status, body, err := s.client.Do(ctx, "POST", "/dashboards/db", payload, orgID)
	if err != nil {
		log.Printf("WARN: dashboard import: %v", err)
		return
	}
	if !succeeded(status) {
		log.Printf("WARN: dashboard import: status %d: %s", status, body)
	}
}
