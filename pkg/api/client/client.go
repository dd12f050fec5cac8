package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the gallery API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects API user payloads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string        `json:"AccessToken"`
	RefreshToken string        `json:"RefreshToken"`
	ExpiresIn    time.Duration `json:"ExpiresIn"`
}

// AuthResponse captures the payload emitted by signup and login.
type AuthResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// Signup registers a new account and returns its first token pair.
func (c *Client) Signup(ctx context.Context, username, email, password string) (AuthResponse, error) {
	body := map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// EnvVar is an environment variable as returned in app payloads.
type EnvVar struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// App describes a registered Streamlit app.
type App struct {
	ID              int64      `json:"ID"`
	OwnerID         string     `json:"OwnerID"`
	Name            string     `json:"Name"`
	Description     string     `json:"Description"`
	GitURL          string     `json:"GitURL"`
	Branch          string     `json:"Branch"`
	EntryFile       string     `json:"EntryFile"`
	BaseImageChoice string     `json:"BaseImageChoice"`
	CustomBaseImage string     `json:"CustomBaseImage"`
	CustomOverlay   string     `json:"CustomOverlay"`
	CredentialID    *int64     `json:"CredentialID"`
	EnvVars         []EnvVar   `json:"EnvVars"`
	Subdomain       string     `json:"Subdomain"`
	Status          string     `json:"Status"`
	ContainerID     string     `json:"ContainerID"`
	ImageTag        string     `json:"ImageTag"`
	IsPublic        bool       `json:"IsPublic"`
	LastDeployedAt  *time.Time `json:"LastDeployedAt"`
	CreatedAt       time.Time  `json:"CreatedAt"`
	UpdatedAt       time.Time  `json:"UpdatedAt"`
}

// ListApps returns the authenticated user's apps.
func (c *Client) ListApps(ctx context.Context, token string) ([]App, error) {
	var apps []App
	if err := c.do(ctx, http.MethodGet, "/apps", nil, token, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// GetApp fetches a single app by id.
func (c *Client) GetApp(ctx context.Context, token string, appID int64) (App, error) {
	path := fmt.Sprintf("/apps/%d", appID)
	var app App
	if err := c.do(ctx, http.MethodGet, path, nil, token, &app); err != nil {
		return App{}, err
	}
	return app, nil
}

// EnvVarInput is an environment variable in registration payloads.
type EnvVarInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AppInput captures the payload for app registration and update.
type AppInput struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	GitURL          string        `json:"git_url"`
	Branch          string        `json:"branch"`
	EntryFile       string        `json:"entry_file"`
	BaseImageChoice string        `json:"base_image_choice"`
	CustomBaseImage string        `json:"custom_base_image"`
	CustomOverlay   string        `json:"custom_overlay"`
	CredentialID    *int64        `json:"credential_id"`
	EnvVars         []EnvVarInput `json:"env_vars"`
	IsPublic        bool          `json:"is_public"`
}

// CreateApp registers a new app.
func (c *Client) CreateApp(ctx context.Context, token string, input AppInput) (App, error) {
	var app App
	if err := c.do(ctx, http.MethodPost, "/apps", input, token, &app); err != nil {
		return App{}, err
	}
	return app, nil
}

// UpdateApp replaces an app's configuration.
func (c *Client) UpdateApp(ctx context.Context, token string, appID int64, input AppInput) (App, error) {
	path := fmt.Sprintf("/apps/%d", appID)
	var app App
	if err := c.do(ctx, http.MethodPut, path, input, token, &app); err != nil {
		return App{}, err
	}
	return app, nil
}

// DeleteApp removes an app and its runtime state.
func (c *Client) DeleteApp(ctx context.Context, token string, appID int64) error {
	path := fmt.Sprintf("/apps/%d", appID)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// TaskProgress is the last reported position of a running task.
type TaskProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// TaskParams carries pipeline options recorded at enqueue time.
type TaskParams struct {
	BuildOnly   bool   `json:"build_only"`
	Force       bool   `json:"force"`
	PriorStatus string `json:"prior_status"`
}

// Task represents API task payloads.
type Task struct {
	ID           string       `json:"ID"`
	Kind         string       `json:"Kind"`
	AppID        int64        `json:"AppID"`
	State        string       `json:"State"`
	Progress     TaskProgress `json:"Progress"`
	ErrorMessage string       `json:"ErrorMessage"`
	Attempt      int          `json:"Attempt"`
	Params       TaskParams   `json:"Params"`
	CreatedAt    time.Time    `json:"CreatedAt"`
	StartedAt    *time.Time   `json:"StartedAt"`
	FinishedAt   *time.Time   `json:"FinishedAt"`
}

// Build requests a build task for the app.
func (c *Client) Build(ctx context.Context, token string, appID int64, buildOnly, force bool) (Task, error) {
	body := map[string]bool{
		"build_only": buildOnly,
		"force":      force,
	}
	path := fmt.Sprintf("/apps/%d/build", appID)
	var task Task
	if err := c.do(ctx, http.MethodPost, path, body, token, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Deploy requests a deploy task for the app.
func (c *Client) Deploy(ctx context.Context, token string, appID int64, force bool) (Task, error) {
	body := map[string]bool{"force": force}
	path := fmt.Sprintf("/apps/%d/deploy", appID)
	var task Task
	if err := c.do(ctx, http.MethodPost, path, body, token, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Stop requests a stop task for the app.
func (c *Client) Stop(ctx context.Context, token string, appID int64) (Task, error) {
	path := fmt.Sprintf("/apps/%d/stop", appID)
	var task Task
	if err := c.do(ctx, http.MethodPost, path, nil, token, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Cancel revokes the app's active task.
func (c *Client) Cancel(ctx context.Context, token string, appID int64) (Task, error) {
	path := fmt.Sprintf("/apps/%d/cancel", appID)
	var task Task
	if err := c.do(ctx, http.MethodPost, path, nil, token, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a single task by id.
func (c *Client) GetTask(ctx context.Context, token, taskID string) (Task, error) {
	path := fmt.Sprintf("/tasks/%s", url.PathEscape(taskID))
	var task Task
	if err := c.do(ctx, http.MethodGet, path, nil, token, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// StatusReport pairs an app's declared status with its observed one.
type StatusReport struct {
	AppID          int64    `json:"app_id"`
	DeclaredStatus string   `json:"declared_status"`
	ActualStatus   string   `json:"actual_status"`
	Issues         []string `json:"issues"`
}

// AppStatus returns the server's assessment of one app.
func (c *Client) AppStatus(ctx context.Context, token string, appID int64) (StatusReport, error) {
	path := fmt.Sprintf("/apps/%d/status", appID)
	var report StatusReport
	if err := c.do(ctx, http.MethodGet, path, nil, token, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

// StatusAll returns assessments for every app the user owns.
func (c *Client) StatusAll(ctx context.Context, token string) ([]StatusReport, error) {
	var reports []StatusReport
	if err := c.do(ctx, http.MethodGet, "/apps/status", nil, token, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// LogBundle holds recent container log lines for an app.
type LogBundle struct {
	AppID int64    `json:"app_id"`
	Lines []string `json:"lines"`
}

// Logs returns recent container logs for the app.
func (c *Client) Logs(ctx context.Context, token string, appID int64, tail int) (LogBundle, error) {
	query := ""
	if tail > 0 {
		query = fmt.Sprintf("?tail=%d", tail)
	}
	path := fmt.Sprintf("/apps/%d/logs%s", appID, query)
	var bundle LogBundle
	if err := c.do(ctx, http.MethodGet, path, nil, token, &bundle); err != nil {
		return LogBundle{}, err
	}
	return bundle, nil
}

// Deployment represents API deployment history payloads.
type Deployment struct {
	ID             int64     `json:"ID"`
	AppID          int64     `json:"AppID"`
	CommitHash     string    `json:"CommitHash"`
	Status         string    `json:"Status"`
	BuildLog       string    `json:"BuildLog"`
	ErrorMessage   string    `json:"ErrorMessage"`
	Variant        string    `json:"Variant"`
	DockerfileHash string    `json:"DockerfileHash"`
	DeployedAt     time.Time `json:"DeployedAt"`
}

// ListDeployments fetches recent deployment history for an app.
func (c *Client) ListDeployments(ctx context.Context, token string, appID int64, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/apps/%d/deployments%s", appID, query)
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// ListTasks fetches recent tasks for an app.
func (c *Client) ListTasks(ctx context.Context, token string, appID int64, limit int) ([]Task, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/apps/%d/tasks%s", appID, query)
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, path, nil, token, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Credential represents API credential payloads. Secret material is never
// returned by the server.
type Credential struct {
	ID        int64     `json:"ID"`
	Name      string    `json:"Name"`
	Provider  string    `json:"Provider"`
	AuthKind  string    `json:"AuthKind"`
	Username  string    `json:"Username"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// ListCredentials returns the user's stored git credentials.
func (c *Client) ListCredentials(ctx context.Context, token string) ([]Credential, error) {
	var creds []Credential
	if err := c.do(ctx, http.MethodGet, "/credentials", nil, token, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// CreateCredentialInput captures the payload for storing a git credential.
type CreateCredentialInput struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	AuthKind string `json:"auth_kind"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// CreateCredential stores a new git credential.
func (c *Client) CreateCredential(ctx context.Context, token string, input CreateCredentialInput) (Credential, error) {
	var cred Credential
	if err := c.do(ctx, http.MethodPost, "/credentials", input, token, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// DeleteCredential removes a stored git credential.
func (c *Client) DeleteCredential(ctx context.Context, token string, credentialID int64) error {
	path := fmt.Sprintf("/credentials/%d", credentialID)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}
