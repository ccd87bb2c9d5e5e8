// Package hek queries the Heliophysics Event Knowledgebase for flare events
// and maintains the filtered event table.
package hek

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const hekTimeLayout = "2006-01-02T15:04:05"

// Record is one flare entry as returned by the HEK search API.
type Record struct {
	HEKID       string   `json:"hek_id"`
	SOLStandard string   `json:"SOL_standard"`
	KBArchivID  string   `json:"kb_archivid"`
	StartTime   string   `json:"event_starttime"`
	PeakTime    string   `json:"event_peaktime"`
	EndTime     string   `json:"event_endtime"`
	HPCX        *float64 `json:"hpc_x"`
	HPCY        *float64 `json:"hpc_y"`
	GOESClass   string   `json:"fl_goescls"`
	ARNOAA      *int     `json:"ar_noaanum"`
}

// ID returns the most specific identifier available.
func (r Record) ID() string {
	switch {
	case r.HEKID != "":
		return r.HEKID
	case r.SOLStandard != "":
		return r.SOLStandard
	default:
		return r.KBArchivID
	}
}

type searchResponse struct {
	Result  []Record `json:"result"`
	Overmax bool     `json:"overmax"`
}

// Searcher lists flare records in a time range.
type Searcher interface {
	Search(ctx context.Context, start, end time.Time) ([]Record, error)
}

// Client talks to the HEK "her" endpoint.
type Client struct {
	BaseURL  string
	PageSize int
	HTTP     *http.Client
	Logger   *slog.Logger

	// MaxPages bounds pagination when the service keeps reporting overmax.
	MaxPages int
}

// NewClient returns a client with the given request timeout.
func NewClient(baseURL string, pageSize int, timeout time.Duration, logger *slog.Logger) *Client {
	if pageSize <= 0 {
		pageSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:  baseURL,
		PageSize: pageSize,
		HTTP:     &http.Client{Timeout: timeout},
		Logger:   logger,
		MaxPages: 100,
	}
}

// Search returns all FL events whose time range intersects [start, end].
func (c *Client) Search(ctx context.Context, start, end time.Time) ([]Record, error) {
	var all []Record
	for page := 1; page <= c.MaxPages; page++ {
		resp, err := c.page(ctx, start, end, page)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Result...)
		c.Logger.Debug("hek page fetched", "page", page, "records", len(resp.Result), "overmax", resp.Overmax)
		if !resp.Overmax || len(resp.Result) == 0 {
			return all, nil
		}
	}
	return all, fmt.Errorf("hek search %s..%s: more than %d pages", start.Format(hekTimeLayout), end.Format(hekTimeLayout), c.MaxPages)
}

func (c *Client) page(ctx context.Context, start, end time.Time, page int) (*searchResponse, error) {
	q := url.Values{}
	q.Set("cosec", "2")
	q.Set("cmd", "search")
	q.Set("type", "column")
	q.Set("event_type", "fl")
	q.Set("event_starttime", start.UTC().Format(hekTimeLayout))
	q.Set("event_endtime", end.UTC().Format(hekTimeLayout))
	q.Set("event_coordsys", "helioprojective")
	q.Set("x1", "-5000")
	q.Set("x2", "5000")
	q.Set("y1", "-5000")
	q.Set("y2", "5000")
	q.Set("result_limit", strconv.Itoa(c.PageSize))
	q.Set("page", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hek request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("hek request: status %d: %s", res.StatusCode, body)
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode hek response: %w", err)
	}
	return &out, nil
}
