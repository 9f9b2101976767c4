package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// deltaResponse mirrors the Graph API delta response JSON structure.
// Unexported — callers receive normalized DeltaPage values.
type deltaResponse struct {
	Value     []driveItemResponse `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`  //nolint:tagliatelle // OData annotation key
	DeltaLink string              `json:"@odata.deltaLink"` //nolint:tagliatelle // OData annotation key
}

// deltaHTTPPrefix is the scheme prefix used to detect full URL tokens
// returned by the Graph API delta endpoint.
const deltaHTTPPrefix = "http"

// Delta fetches one page of delta changes for a drive.
// Pass an empty token for the initial sync (fetches all items).
// For subsequent calls, pass the DeltaLink or NextLink value from the
// previous DeltaPage — these are full URLs that get converted to paths.
// Returns a DeltaPage with normalized items, and either NextLink (more pages)
// or DeltaLink (done). HTTP 410 means the token has expired — returns
// ErrDeltaExpired.
func (c *Client) Delta(ctx context.Context, driveID, token string) (*DeltaPage, error) {
	path, err := c.buildDeltaPath(driveID, token)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetching delta page",
		slog.String("drive_id", driveID),
		slog.Bool("initial_sync", token == ""),
	)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding delta response: %w", err)
	}

	items := make([]Item, 0, len(dr.Value))
	for i := range dr.Value {
		items = append(items, dr.Value[i].toItem(c.logger))
	}

	c.logger.Debug("fetched delta page",
		slog.Int("count", len(items)),
		slog.Bool("has_next_link", dr.NextLink != ""),
		slog.Bool("has_delta_link", dr.DeltaLink != ""),
	)

	return &DeltaPage{
		Items:     items,
		NextLink:  dr.NextLink,
		DeltaLink: dr.DeltaLink,
	}, nil
}

// buildDeltaPath constructs the API path for a delta request.
// Empty token means initial sync; non-empty token is a full URL from a
// previous response that gets stripped to a relative path.
func (c *Client) buildDeltaPath(driveID, token string) (string, error) {
	if token == "" || !strings.HasPrefix(token, deltaHTTPPrefix) {
		return fmt.Sprintf("/drives/%s/root/delta", driveID), nil
	}

	path, err := c.stripBaseURL(token)
	if err != nil {
		return "", fmt.Errorf("graph: invalid delta token URL: %w", err)
	}

	return path, nil
}

// DeltaAll fetches all pages of delta changes and returns the combined,
// deduplicated items and the new delta token for the next sync cycle.
// On success, the returned token is always a non-empty DeltaLink.
func (c *Client) DeltaAll(ctx context.Context, driveID, token string) ([]Item, string, error) {
	c.logger.Info("starting delta enumeration",
		slog.String("drive_id", driveID),
		slog.Bool("initial_sync", token == ""),
	)

	var allItems []Item

	currentToken := token
	page := 1

	for {
		dp, err := c.Delta(ctx, driveID, currentToken)
		if err != nil {
			return nil, "", err
		}

		allItems = append(allItems, dp.Items...)

		// DeltaLink means we have consumed all pages — done.
		if dp.DeltaLink != "" {
			items := dedupDeltaItems(allItems)

			c.logger.Info("delta enumeration complete",
				slog.String("drive_id", driveID),
				slog.Int("total_items", len(items)),
				slog.Int("pages", page),
			)

			return items, dp.DeltaLink, nil
		}

		// NextLink means more pages — continue with the next page URL as token.
		if dp.NextLink != "" {
			currentToken = dp.NextLink
			page++

			continue
		}

		// Neither link present — unexpected, but treat as complete with empty token.
		c.logger.Warn("delta response has neither nextLink nor deltaLink",
			slog.String("drive_id", driveID),
			slog.Int("page", page),
		)

		return dedupDeltaItems(allItems), "", nil
	}
}

// dedupDeltaItems collapses repeated appearances of the same item ID down
// to the last one. The Graph API documents that an item may appear more
// than once across delta pages and the final appearance is authoritative.
func dedupDeltaItems(items []Item) []Item {
	seen := make(map[string]int, len(items))
	out := items[:0]

	for _, item := range items {
		if idx, ok := seen[item.ID]; ok {
			out[idx] = item
			continue
		}

		seen[item.ID] = len(out)
		out = append(out, item)
	}

	return out
}
