package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/domain"
	"fabric.evalgo.org/store"
)

// Client resolves entities over the manager REST API. It implements the
// scheduler's Resolver contract for deployments that split the scheduler
// from the managers.
type Client struct {
	httpClient *http.Client
	urls       config.ManagerURLsConfig
	header     string
}

// NewClient builds a resolver over the configured manager base URLs.
func NewClient(urls config.ManagerURLsConfig, correlationHeader string) *Client {
	if correlationHeader == "" {
		correlationHeader = common.DefaultCorrelationHeader
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		urls:       urls,
		header:     correlationHeader,
	}
}

func (c *Client) OrchestratedFlow(ctx context.Context, id uuid.UUID) (domain.OrchestratedFlow, error) {
	var flow domain.OrchestratedFlow
	err := c.get(ctx, c.urls.OrchestratedFlow, "/api/flows/"+id.String(), &flow)
	return flow, err
}

func (c *Client) Workflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error) {
	var w domain.Workflow
	err := c.get(ctx, c.urls.Workflow, "/api/workflows/"+id.String(), &w)
	return w, err
}

func (c *Client) Step(ctx context.Context, id uuid.UUID) (domain.Step, error) {
	var step domain.Step
	err := c.get(ctx, c.urls.Step, "/api/steps/"+id.String(), &step)
	return step, err
}

func (c *Client) Processor(ctx context.Context, id uuid.UUID) (domain.Processor, error) {
	var p domain.Processor
	err := c.get(ctx, c.urls.Processor, "/api/processors/"+id.String(), &p)
	return p, err
}

func (c *Client) Assignment(ctx context.Context, id uuid.UUID) (domain.Assignment, error) {
	var a domain.Assignment
	err := c.get(ctx, c.urls.Assignment, "/api/assignments/"+id.String(), &a)
	return a, err
}

// ScheduledFlows pages through every flow and keeps the scheduled ones.
func (c *Client) ScheduledFlows(ctx context.Context) ([]domain.OrchestratedFlow, error) {
	const pageSize = 100
	var scheduled []domain.OrchestratedFlow
	for page := 1; ; page++ {
		var response pagedResponse[domain.OrchestratedFlow]
		path := fmt.Sprintf("/api/flows/paged?page=%d&pageSize=%d", page, pageSize)
		if err := c.get(ctx, c.urls.OrchestratedFlow, path, &response); err != nil {
			return nil, err
		}
		for _, flow := range response.Items {
			if flow.Schedule != "" {
				scheduled = append(scheduled, flow)
			}
		}
		if len(response.Items) < pageSize {
			return scheduled, nil
		}
	}
}

func (c *Client) get(ctx context.Context, baseURL, path string, out interface{}) error {
	if baseURL == "" {
		return fmt.Errorf("no manager URL configured for %s", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build manager request: %w", err)
	}
	if id, ok := common.CorrelationID(ctx); ok {
		req.Header.Set(c.header, id.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("manager request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode manager response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, store.ErrNotFound)
	default:
		return fmt.Errorf("manager returned %d for %s", resp.StatusCode, path)
	}
}
