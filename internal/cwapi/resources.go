package cwapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Guizzs26/go-cw-mirror/internal/models"
)

// Pagination is 1-indexed on the ConnectWise side
const FirstPage = 1

// FetchPage retrieves one page of records for the given entity type.
// A page shorter than pageSize is the last one; callers stop paging then
func (c *Client) FetchPage(ctx context.Context, entityType models.EntityType, page, pageSize int, conditions []string) ([]map[string]any, error) {
	meta, ok := models.Registry[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(pageSize))
	if len(conditions) > 0 {
		params.Set("conditions", prepareConditions(conditions))
	}

	raw, err := c.do(ctx, http.MethodGet, meta.Endpoint, nil, params)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s page %d: %w", entityType, page, err)
	}
	return records, nil
}

// GetByID fetches a single record. A deleted record surfaces as NotFoundError
func (c *Client) GetByID(ctx context.Context, entityType models.EntityType, id int64) (map[string]any, error) {
	meta, ok := models.Registry[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%d", meta.Endpoint, id), nil, nil)
	if err != nil {
		return nil, err
	}

	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode %s %d: %w", entityType, id, err)
	}
	return record, nil
}

// Post creates a resource and returns the decoded response body
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	raw, err := c.do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if raw != nil {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode POST %s response: %w", path, err)
		}
	}
	return result, nil
}

// Delete removes a resource. 404 propagates as NotFoundError so callers
// can treat already-gone targets as success
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}
