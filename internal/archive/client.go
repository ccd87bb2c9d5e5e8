// Package archive lists and downloads AIA level-1 frames from a JSOC-style
// data archive.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RecordTimeLayout is the T_REC format returned by the archive.
const RecordTimeLayout = "2006-01-02T15:04:05Z"

// FileTimeLayout is the timestamp component of frame file names.
const FileTimeLayout = "2006-01-02T150405Z"

// Query selects frames of one wavelength.
type Query struct {
	Start      time.Time
	End        time.Time
	Wavelength int
	Cadence    time.Duration
}

// Record is one archived frame.
type Record struct {
	Time       time.Time
	Wavelength int
	URL        string
}

// FileName is the local name of the frame, e.g.
// aia.lev1_euv_12s.2013-01-15T074303Z.94.image_lev1.fits.
func (r Record) FileName(series string) string {
	return fmt.Sprintf("%s.%s.%d.image_lev1.fits", series, r.Time.UTC().Format(FileTimeLayout), r.Wavelength)
}

// Archive lists and fetches frames.
type Archive interface {
	Query(ctx context.Context, q Query) ([]Record, error)
	Fetch(ctx context.Context, rec Record, dir string) (string, error)
}

// Client talks to the JSOC jsoc_info record-set listing.
type Client struct {
	BaseURL string
	Series  string
	HTTP    *http.Client
}

// NewClient returns a client for series at baseURL.
func NewClient(baseURL, series string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Series:  series,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type rsList struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Count    int    `json:"count"`
	Keywords []struct {
		Name   string   `json:"name"`
		Values []string `json:"values"`
	} `json:"keywords"`
	Segments []struct {
		Name   string   `json:"name"`
		Values []string `json:"values"`
	} `json:"segments"`
}

// RecordSet renders the DRMS record-set query for q.
func (c *Client) RecordSet(q Query) string {
	cadence := q.Cadence
	if cadence <= 0 {
		cadence = time.Minute
	}
	return fmt.Sprintf("%s[%s-%s@%ds][%d]{image}",
		c.Series,
		q.Start.UTC().Format(RecordTimeLayout),
		q.End.UTC().Format(RecordTimeLayout),
		int(cadence.Seconds()),
		q.Wavelength)
}

// Query lists the frames matching q in record-time order.
func (c *Client) Query(ctx context.Context, q Query) ([]Record, error) {
	v := url.Values{}
	v.Set("op", "rs_list")
	v.Set("ds", c.RecordSet(q))
	v.Set("key", "T_REC")
	v.Set("seg", "image")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/cgi-bin/ajax/jsoc_info?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive query: status %d", res.StatusCode)
	}

	var list rsList
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode archive listing: %w", err)
	}
	if list.Status != 0 {
		return nil, fmt.Errorf("archive query failed (status %d): %s", list.Status, list.Error)
	}

	var times, files []string
	for _, k := range list.Keywords {
		if k.Name == "T_REC" {
			times = k.Values
		}
	}
	for _, s := range list.Segments {
		if s.Name == "image" {
			files = s.Values
		}
	}
	if len(times) != len(files) {
		return nil, fmt.Errorf("archive listing has %d times but %d segments", len(times), len(files))
	}

	recs := make([]Record, 0, len(times))
	for i, ts := range times {
		if files[i] == "" || strings.EqualFold(files[i], "NoDataDirectory") {
			continue
		}
		t, err := time.Parse(RecordTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("record time %q: %w", ts, err)
		}
		ref, err := url.Parse(files[i])
		if err != nil {
			return nil, fmt.Errorf("segment path %q: %w", files[i], err)
		}
		base, _ := url.Parse(c.BaseURL + "/")
		recs = append(recs, Record{Time: t, Wavelength: q.Wavelength, URL: base.ResolveReference(ref).String()})
	}
	return recs, nil
}

// Fetch downloads rec into dir, overwriting any existing file.
func (c *Client) Fetch(ctx context.Context, rec Record, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, rec.FileName(c.Series))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return "", err
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rec.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rec.URL, res.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, res.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fetch %s: %w", rec.URL, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}
