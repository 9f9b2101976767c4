package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// driveResponse mirrors the Graph API drive JSON response.
// Unexported — callers use Drive via toDrive() normalization.
type driveResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DriveType string `json:"driveType"`
	WebURL    string `json:"webUrl"`
}

// drivesListResponse wraps the value array from GET /sites/{id}/drives.
type drivesListResponse struct {
	Value []driveResponse `json:"value"`
}

// toDrive normalizes a Graph API drive response into our Drive type.
func (d *driveResponse) toDrive() Drive {
	return Drive{
		ID:        d.ID,
		Name:      d.Name,
		DriveType: d.DriveType,
		WebURL:    d.WebURL,
	}
}

// ListSiteDrives returns all drives (document libraries) of a SharePoint site.
func (c *Client) ListSiteDrives(ctx context.Context, siteID string) ([]Drive, error) {
	c.logger.Debug("listing site drives",
		slog.String("site_id", siteID),
	)

	path := fmt.Sprintf("/sites/%s/drives", siteID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dlr drivesListResponse
	if err := json.NewDecoder(resp.Body).Decode(&dlr); err != nil {
		return nil, fmt.Errorf("graph: decoding drives response: %w", err)
	}

	drives := make([]Drive, 0, len(dlr.Value))
	for i := range dlr.Value {
		drives = append(drives, dlr.Value[i].toDrive())
	}

	c.logger.Info("listed site drives",
		slog.String("site_id", siteID),
		slog.Int("count", len(drives)),
	)

	return drives, nil
}

// GetUserDrive returns the OneDrive of the given user. With app-only
// credentials there is no /me, so the user must be addressed explicitly by
// object ID or principal name.
func (c *Client) GetUserDrive(ctx context.Context, userID string) (*Drive, error) {
	c.logger.Debug("fetching user drive",
		slog.String("user_id", userID),
	)

	path := fmt.Sprintf("/users/%s/drive", userID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr driveResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding drive response: %w", err)
	}

	drive := dr.toDrive()

	c.logger.Debug("fetched user drive",
		slog.String("id", drive.ID),
		slog.String("drive_type", drive.DriveType),
	)

	return &drive, nil
}
