// Package fdcsdk is a minimal typed client for the submission compliance
// HTTP API.
package fdcsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a running compliance API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project is the API project model.
type Project struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Creator      string  `json:"creator"`
	CurrentStage string  `json:"current_stage"`
	Events       []Event `json:"events"`
}

// Event is one entry in a project's history.
type Event struct {
	Type      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	FromStage string    `json:"from_stage,omitempty"`
	ToStage   string    `json:"to_stage,omitempty"`
	GateID    string    `json:"gate_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
}

// ApprovalRecord is a reviewer decision against a gate.
type ApprovalRecord struct {
	ID             string    `json:"id"`
	GateID         string    `json:"gate_id"`
	ProjectID      string    `json:"project_id"`
	Status         string    `json:"status"`
	ReviewerID     string    `json:"reviewer_id"`
	ReviewerRole   string    `json:"reviewer_role"`
	Timestamp      time.Time `json:"timestamp"`
	CheckedItems   []string  `json:"checked_items"`
	Comments       string    `json:"comments,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
}

// Finding is one compliance report result.
type Finding struct {
	ControlID   string `json:"control_id"`
	Status      string `json:"status"`
	Evidence    string `json:"evidence"`
	Remediation string `json:"remediation,omitempty"`
}

// Report is the compliance report response.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Passed      bool      `json:"passed"`
	Findings    []Finding `json:"findings"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateProject creates a project at CONCEPT.
func (c *Client) CreateProject(ctx context.Context, id, name string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, "/v0/projects", map[string]string{"id": id, "name": name}, &p)
	return p, err
}

// GetProject fetches a project with its derived stage and history.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodGet, "/v0/projects/"+id, nil, &p)
	return p, err
}

// RecordAgentOutput notes agent output for the project's current stage.
func (c *Client) RecordAgentOutput(ctx context.Context, projectID, agentID, summary string) error {
	return c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/agent-output",
		map[string]string{"agent_id": agentID, "summary": summary}, nil)
}

// Advance moves a project to the requested stage.
func (c *Client) Advance(ctx context.Context, projectID, to, approvalID string) (string, error) {
	var out struct {
		ProjectID    string `json:"project_id"`
		CurrentStage string `json:"current_stage"`
	}
	err := c.do(ctx, http.MethodPost, "/v0/projects/"+projectID+"/advance",
		map[string]any{"to": to, "approval_id": approvalID}, &out)
	return out.CurrentStage, err
}

// ApproveGate records a reviewer decision for a gate.
func (c *Client) ApproveGate(ctx context.Context, gateID, projectID, status string, checkedItems []string, comments string) (ApprovalRecord, error) {
	var rec ApprovalRecord
	err := c.do(ctx, http.MethodPost, "/v0/gates/"+gateID+"/approvals", map[string]any{
		"project_id":    projectID,
		"status":        status,
		"checked_items": checkedItems,
		"comments":      comments,
	}, &rec)
	return rec, err
}

// ComplianceReport fetches the generated compliance report.
func (c *Client) ComplianceReport(ctx context.Context) (Report, error) {
	var r Report
	err := c.do(ctx, http.MethodGet, "/v0/report", nil, &r)
	return r, err
}
