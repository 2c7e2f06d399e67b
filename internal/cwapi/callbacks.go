package cwapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const callbacksEndpoint = "system/callbacks"

// CallbackRecord mirrors the remote webhook subscription schema
type CallbackRecord struct {
	ID           int64  `json:"id,omitempty"`
	Type         string `json:"type"`
	Description  string `json:"description"`
	URL          string `json:"url"`
	ObjectID     int64  `json:"objectId"`
	Level        string `json:"level"`
	MemberID     int64  `json:"memberId,omitempty"`
	InactiveFlag bool   `json:"inactiveFlag,omitempty"`
}

// ListCallbacks pages through every subscription whose URL contains the
// given host fragment. Pass an empty host to list all of them
func (c *Client) ListCallbacks(ctx context.Context, host string, pageSize int) ([]CallbackRecord, error) {
	var all []CallbackRecord

	for page := FirstPage; ; page++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(pageSize))
		if host != "" {
			params.Set("conditions", prepareConditions([]string{
				fmt.Sprintf("url contains %q", host),
			}))
		}

		raw, err := c.do(ctx, http.MethodGet, callbacksEndpoint, nil, params)
		if err != nil {
			return nil, err
		}

		var records []CallbackRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("failed to decode callbacks page %d: %w", page, err)
		}

		all = append(all, records...)
		if len(records) < pageSize {
			// Short page: nothing after this one
			break
		}
	}

	return all, nil
}

// CreateCallback registers a webhook subscription and returns the stored copy
func (c *Client) CreateCallback(ctx context.Context, cb CallbackRecord) (CallbackRecord, error) {
	raw, err := c.do(ctx, http.MethodPost, callbacksEndpoint, cb, nil)
	if err != nil {
		return CallbackRecord{}, err
	}

	var created CallbackRecord
	if err := json.Unmarshal(raw, &created); err != nil {
		return CallbackRecord{}, fmt.Errorf("failed to decode created callback: %w", err)
	}
	return created, nil
}

// DeleteCallback removes a remote subscription by its entry ID
func (c *Client) DeleteCallback(ctx context.Context, entryID int64) error {
	return c.Delete(ctx, fmt.Sprintf("%s/%d", callbacksEndpoint, entryID))
}
