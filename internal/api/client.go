package api

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

	"secops_dashboard/camstream/internal/domain"

	"github.com/pion/logging"
)

// PageSize is the number of cameras requested per page.
const PageSize = 100

type cameraRecord struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	LocationDescription string     `json:"location_description"`
	PremiseID           string     `json:"premise_id"`
	IsActive            activeFlag `json:"is_active"`
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

type camerasResponse struct {
	Data       []cameraRecord `json:"data"`
	Pagination pagination     `json:"pagination"`
}

// activeFlag accepts true/false as a JSON bool or string.
type activeFlag bool

func (a *activeFlag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*a = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("is_active: %w", err)
	}
	*a = activeFlag(v)
	return nil
}

// Client reads the camera directory from the dashboard API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logging.LeveledLogger
}

var _ domain.CameraDirectory = (*Client)(nil)

// NewClient creates an API client. A nil logger factory uses pion's default.
func NewClient(baseURL, token string, lf logging.LoggerFactory) *Client {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     lf.NewLogger("api"),
	}
}

// ListCameras fetches every page of cameras matching q.
func (c *Client) ListCameras(ctx context.Context, q domain.CameraQuery) ([]domain.Camera, error) {
	var cameras []domain.Camera

	for page := 1; ; page++ {
		resp, err := c.fetchPage(ctx, q, page)
		if err != nil {
			return nil, err
		}

		for _, r := range resp.Data {
			cameras = append(cameras, domain.Camera{
				ID:                  r.ID,
				Name:                r.Name,
				PremiseID:           r.PremiseID,
				LocationDescription: r.LocationDescription,
				IsActive:            bool(r.IsActive),
			})
		}

		if len(resp.Data) == 0 || page >= resp.Pagination.TotalPages {
			break
		}
	}

	c.log.Debugf("listed %d cameras for premise %q", len(cameras), q.PremiseID)
	return cameras, nil
}

func (c *Client) fetchPage(ctx context.Context, q domain.CameraQuery, page int) (*camerasResponse, error) {
	params := url.Values{}
	if q.PremiseID != "" {
		params.Set("premiseId", q.PremiseID)
	}
	if q.ActiveOnly {
		params.Set("isActive", "true")
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(PageSize))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cameras?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var out camerasResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}
