// Package telnyx implements gobilling.TelephonyProvider against the Telnyx
// REST API: it searches the available number inventory and places a number
// order for the first match.
package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/merchmail/gobilling/pkg/gobilling"
)

const defaultBaseURL = "https://api.telnyx.com/v2"

// Client calls the Telnyx number search and ordering endpoints.
type Client struct {
	apiKey     string
	baseURL    string
	areaCode   string
	httpClient *http.Client
}

// Config holds Telnyx client configuration.
type Config struct {
	// APIKey is the Telnyx API key (required).
	APIKey string

	// AreaCode narrows the number search when set.
	AreaCode string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// New creates a Telnyx client.
func New(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("telnyx API key is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		areaCode:   config.AreaCode,
		httpClient: httpClient,
	}, nil
}

type availableNumbersResponse struct {
	Data []struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"data"`
}

type numberOrderRequest struct {
	PhoneNumbers []numberOrderPhone `json:"phone_numbers"`
	CustomerRef  string             `json:"customer_reference,omitempty"`
}

type numberOrderPhone struct {
	PhoneNumber string `json:"phone_number"`
}

type numberOrderResponse struct {
	Data struct {
		ID           string `json:"id"`
		PhoneNumbers []struct {
			PhoneNumber string `json:"phone_number"`
		} `json:"phone_numbers"`
	} `json:"data"`
}

// AssignNumber implements gobilling.TelephonyProvider. It picks the first
// available US local number and orders it, tagging the order with the user ID
// as the customer reference.
func (c *Client) AssignNumber(ctx context.Context, userID string) (gobilling.PhoneNumber, error) {
	number, err := c.searchAvailableNumber(ctx)
	if err != nil {
		return gobilling.PhoneNumber{}, err
	}

	orderID, err := c.orderNumber(ctx, number, userID)
	if err != nil {
		return gobilling.PhoneNumber{}, err
	}

	return gobilling.PhoneNumber{Number: number, ProviderNumberID: orderID}, nil
}

func (c *Client) searchAvailableNumber(ctx context.Context) (string, error) {
	query := url.Values{}
	query.Set("filter[country_code]", "US")
	query.Set("filter[phone_number_type]", "local")
	query.Set("filter[limit]", "1")
	if c.areaCode != "" {
		query.Set("filter[national_destination_code]", c.areaCode)
	}

	endpoint := c.baseURL + "/available_phone_numbers?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to search numbers: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("telnyx API error: status %d, body: %s", res.StatusCode, string(body))
	}

	var payload availableNumbersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(payload.Data) == 0 {
		return "", fmt.Errorf("no phone numbers available")
	}
	return payload.Data[0].PhoneNumber, nil
}

func (c *Client) orderNumber(ctx context.Context, number, userID string) (string, error) {
	reqBody, err := json.Marshal(numberOrderRequest{
		PhoneNumbers: []numberOrderPhone{{PhoneNumber: number}},
		CustomerRef:  userID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/number_orders", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to order number: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("telnyx API error: status %d, body: %s", res.StatusCode, string(body))
	}

	var payload numberOrderResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return payload.Data.ID, nil
}
