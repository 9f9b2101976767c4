package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tonimelisma/docsync/internal/graph"
)

type sharePointConfig struct {
	SiteURL      string   `json:"site_url"`
	SiteID       string   `json:"site_id"`
	Path         string   `json:"path"`
	Recursive    bool     `json:"recursive"`
	LibraryNames []string `json:"library_names"`

	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`

	IncludePatterns   []string `json:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns"`
	IncludeExtensions []string `json:"include_extensions"`
	ExcludeExtensions []string `json:"exclude_extensions"`
}

// applyEnv fills missing credentials from the environment, so secrets can
// stay out of catalog config blobs.
func (c *sharePointConfig) applyEnv() {
	if c.TenantID == "" {
		c.TenantID = os.Getenv("SHAREPOINT_TENANT_ID")
	}

	if c.ClientID == "" {
		c.ClientID = os.Getenv("SHAREPOINT_CLIENT_ID")
	}

	if c.ClientSecret == "" {
		c.ClientSecret = os.Getenv("SHAREPOINT_CLIENT_SECRET")
	}
}

// SharePoint lists and fetches files from the document libraries of one
// SharePoint site through the Microsoft Graph API. It also enumerates
// changes incrementally with per-drive delta tokens.
type SharePoint struct {
	graphFetcher

	siteURL      string
	scopePath    string // drive-root-relative, "" for whole drives
	recursive    bool
	libraryNames map[string]bool
	filter       *fileFilter
	logger       *slog.Logger

	siteID string // resolved lazily from siteURL, guarded by graphFetcher.mu
}

var _ DeltaLister = (*SharePoint)(nil)

func newSharePoint(ctx context.Context, raw json.RawMessage, logger *slog.Logger) (*SharePoint, error) {
	cfg := sharePointConfig{Recursive: true}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if cfg.SiteURL == "" && cfg.SiteID == "" {
		return nil, errors.New("source: sharepoint requires site_url or site_id")
	}

	token, err := sharePointTokenSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client := graph.NewClient("", nil, token, logger)

	return newSharePointWithClient(client, cfg, logger), nil
}

// newSharePointWithClient wires the adapter around a pre-built Graph
// client. Split from newSharePoint so tests can inject a test server.
func newSharePointWithClient(client *graph.Client, cfg sharePointConfig, logger *slog.Logger) *SharePoint {
	var libraries map[string]bool
	if len(cfg.LibraryNames) > 0 {
		libraries = make(map[string]bool, len(cfg.LibraryNames))
		for _, name := range cfg.LibraryNames {
			libraries[name] = true
		}
	}

	return &SharePoint{
		graphFetcher: newGraphFetcher(client, logger),
		siteURL:      cfg.SiteURL,
		siteID:       cfg.SiteID,
		scopePath:    strings.Trim(cfg.Path, "/"),
		recursive:    cfg.Recursive,
		libraryNames: libraries,
		filter:       newFileFilter(cfg.IncludePatterns, cfg.ExcludePatterns, cfg.IncludeExtensions, cfg.ExcludeExtensions),
		logger:       logger,
	}
}

// sharePointTokenSource picks the auth flow from the configured fields:
// username/password selects the resource owner password grant, otherwise
// app-only client credentials.
func sharePointTokenSource(ctx context.Context, cfg sharePointConfig, logger *slog.Logger) (graph.TokenSource, error) {
	if cfg.Username != "" || cfg.Password != "" {
		return graph.NewPasswordTokenSource(ctx, graph.PasswordCredentials{
			TenantID:     cfg.TenantID,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Username:     cfg.Username,
			Password:     cfg.Password,
		}, logger)
	}

	return graph.NewClientCredentialsTokenSource(ctx, graph.Credentials{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, logger)
}

// resolveSite returns the Graph site ID, resolving the configured site
// URL on first use.
func (s *SharePoint) resolveSite(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.siteID
	s.mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	site, err := s.client.ResolveSiteByURL(ctx, s.siteURL)
	if err != nil {
		return "", wrapGraphErr("resolving site "+s.siteURL, err)
	}

	s.mu.Lock()
	s.siteID = site.ID
	s.mu.Unlock()

	s.logger.Info("resolved sharepoint site",
		slog.String("site_url", s.siteURL),
		slog.String("site_id", site.ID),
	)

	return site.ID, nil
}

// Drives returns the site's document libraries, filtered to the
// configured library names when any are set.
func (s *SharePoint) Drives(ctx context.Context) ([]DriveInfo, error) {
	siteID, err := s.resolveSite(ctx)
	if err != nil {
		return nil, err
	}

	drives, err := s.client.ListSiteDrives(ctx, siteID)
	if err != nil {
		return nil, wrapGraphErr("listing site drives", err)
	}

	out := make([]DriveInfo, 0, len(drives))

	for _, d := range drives {
		if s.libraryNames != nil && !s.libraryNames[d.Name] {
			continue
		}

		out = append(out, DriveInfo{ID: strings.ToLower(d.ID), Name: d.Name})
	}

	if s.libraryNames != nil && len(out) == 0 {
		s.logger.Warn("no document libraries matched the configured library names",
			slog.Int("available", len(drives)),
		)
	}

	return out, nil
}

// List walks every selected library and returns the files that pass the
// path scope and filters. Item locations are remembered for Fetch.
func (s *SharePoint) List(ctx context.Context) ([]FileInfo, error) {
	drives, err := s.Drives(ctx)
	if err != nil {
		return nil, err
	}

	var files []FileInfo

	for _, drive := range drives {
		startID, err := s.startItemID(ctx, drive.ID)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				// The configured path does not exist in this library.
				s.logger.Warn("start path not found in library",
					slog.String("library", drive.Name),
					slog.String("path", s.scopePath),
				)

				continue
			}

			return nil, wrapGraphErr("resolving start path in "+drive.Name, err)
		}

		count := 0

		walkErr := walkDrive(ctx, s.client, drive.ID, startID, s.recursive, func(item graph.Item) {
			if fi, ok := s.fileInfoFor(item, drive.ID); ok {
				files = append(files, fi)
				count++
			}
		})
		if walkErr != nil {
			return nil, wrapGraphErr("listing library "+drive.Name, walkErr)
		}

		s.logger.Debug("listed library",
			slog.String("library", drive.Name),
			slog.Int("files", count),
		)
	}

	return files, nil
}

// startItemID resolves the walk's starting folder: the drive root, or the
// configured path below it.
func (s *SharePoint) startItemID(ctx context.Context, driveID string) (string, error) {
	if s.scopePath == "" {
		return "root", nil
	}

	item, err := s.client.GetItemByPath(ctx, driveID, s.scopePath)
	if err != nil {
		return "", err
	}

	return item.ID, nil
}

// fileInfoFor applies scope and filters to a live item, and on success
// records its location for Fetch.
func (s *SharePoint) fileInfoFor(item graph.Item, driveID string) (FileInfo, bool) {
	itemPath := item.Path()

	if !underPath(itemPath, s.scopePath) {
		return FileInfo{}, false
	}

	if !s.filter.Include(itemPath) {
		return FileInfo{}, false
	}

	if item.WebURL == "" {
		s.logger.Warn("skipping item without web URL", slog.String("item_id", item.ID))

		return FileInfo{}, false
	}

	fi := graphFileInfo(item, driveID)
	s.remember(fi.URI, itemRef{
		driveID:      fi.SourceMeta["drive_id"],
		itemID:       item.ID,
		downloadURL:  item.DownloadURL,
		quickXorHash: item.QuickXorHash,
	})

	return fi, true
}

// DeltaList enumerates changes in one library since token. Present items
// go through the same scope and filter rules as List; deletions always
// surface so the engine can match them by item ID.
func (s *SharePoint) DeltaList(ctx context.Context, driveID, token string) ([]Change, string, error) {
	items, newToken, err := s.client.DeltaAll(ctx, driveID, token)
	if err != nil {
		if errors.Is(err, graph.ErrDeltaExpired) {
			return nil, "", fmt.Errorf("%w: drive %s", ErrDeltaExpired, driveID)
		}

		return nil, "", wrapGraphErr("delta listing drive "+driveID, err)
	}

	changes := make([]Change, 0, len(items))

	for _, item := range items {
		switch {
		case item.IsDeleted:
			changes = append(changes, Change{FileInfo: tombstoneInfo(item, driveID), Tombstone: true})
		case item.IsFolder || item.IsPackage:
			continue
		default:
			fi, ok := s.fileInfoFor(item, driveID)
			if !ok {
				continue
			}

			changes = append(changes, Change{FileInfo: fi})
		}
	}

	s.logger.Debug("delta listed drive",
		slog.String("drive_id", driveID),
		slog.Int("changes", len(changes)),
		slog.Bool("baseline", token == ""),
	)

	return changes, newToken, nil
}
