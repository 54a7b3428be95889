package hrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Employee is an employee record as the HR API represents it.
type Employee struct {
	ID           string            `json:"id,omitempty"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Email        string            `json:"email"`
	Department   string            `json:"department,omitempty"`
	Position     string            `json:"position,omitempty"`
	HireDate     string            `json:"hire_date,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// createResponse is the body of a successful create.
type createResponse struct {
	ID string `json:"id"`
}

// CreateEmployee creates e and returns the id the HR system assigned.
func (c *Client) CreateEmployee(ctx context.Context, e Employee) (string, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode employee: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/employees", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create response carries no id")
	}
	return created.ID, nil
}

// GetEmployee fetches one employee. Responses are served from the cache
// while fresh and revalidated with their ETag once stale.
func (c *Client) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/employees/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var e Employee
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode employee %s: %w", id, err)
	}
	return &e, nil
}
