package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// siteResponse mirrors the Graph API site JSON response.
// Unexported — callers use Site via toSite() normalization.
type siteResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

func (s *siteResponse) toSite() Site {
	return Site{
		ID:          s.ID,
		Name:        s.Name,
		DisplayName: s.DisplayName,
		WebURL:      s.WebURL,
	}
}

// GetSite returns a site by its Graph site ID.
func (c *Client) GetSite(ctx context.Context, siteID string) (*Site, error) {
	c.logger.Debug("fetching site",
		slog.String("site_id", siteID),
	)

	return c.fetchSite(ctx, fmt.Sprintf("/sites/%s", siteID))
}

// ResolveSiteByURL resolves a SharePoint site from its web URL, e.g.
// "https://contoso.sharepoint.com/sites/engineering". The Graph API
// addresses sites as {hostname}:{server-relative-path}; a bare host URL
// resolves the tenant root site.
func (c *Client) ResolveSiteByURL(ctx context.Context, siteURL string) (*Site, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("graph: parsing site URL %q: %w", siteURL, err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("graph: site URL %q has no host", siteURL)
	}

	relPath := strings.Trim(u.Path, "/")

	apiPath := "/sites/" + u.Host
	if relPath != "" {
		apiPath += ":/" + encodePathSegments(relPath)
	}

	c.logger.Info("resolving site",
		slog.String("host", u.Host),
		slog.String("path", relPath),
	)

	return c.fetchSite(ctx, apiPath)
}

func (c *Client) fetchSite(ctx context.Context, apiPath string) (*Site, error) {
	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr siteResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("graph: decoding site response: %w", err)
	}

	site := sr.toSite()

	c.logger.Debug("fetched site",
		slog.String("id", site.ID),
		slog.String("display_name", site.DisplayName),
	)

	return &site, nil
}
