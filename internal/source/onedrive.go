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

// OneDrive account types. Business accounts authenticate app-only;
// personal accounts need an interactive consent flow this engine does
// not run, so they are rejected at construction.
const (
	accountTypeBusiness = "business"
	accountTypePersonal = "personal"
)

type oneDriveConfig struct {
	UserID      string `json:"user_id"`
	RootFolder  string `json:"root_folder"`
	AccountType string `json:"account_type"`
	Recursive   bool   `json:"recursive"`

	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	IncludePatterns   []string `json:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns"`
	IncludeExtensions []string `json:"include_extensions"`
	ExcludeExtensions []string `json:"exclude_extensions"`
}

func (c *oneDriveConfig) applyEnv() {
	if c.TenantID == "" {
		c.TenantID = os.Getenv("ONEDRIVE_TENANT_ID")
	}

	if c.ClientID == "" {
		c.ClientID = os.Getenv("ONEDRIVE_CLIENT_ID")
	}

	if c.ClientSecret == "" {
		c.ClientSecret = os.Getenv("ONEDRIVE_CLIENT_SECRET")
	}
}

// OneDrive lists and fetches files from one user's OneDrive for Business
// through the Microsoft Graph API, with optional incremental delta
// enumeration of the user's drive.
type OneDrive struct {
	graphFetcher

	userID     string
	rootFolder string // drive-root-relative, "" for the whole drive
	recursive  bool
	filter     *fileFilter
	logger     *slog.Logger

	driveID string // resolved lazily, guarded by graphFetcher.mu
}

var _ DeltaLister = (*OneDrive)(nil)

func newOneDrive(ctx context.Context, raw json.RawMessage, logger *slog.Logger) (*OneDrive, error) {
	cfg := oneDriveConfig{Recursive: true, AccountType: accountTypeBusiness}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	switch cfg.AccountType {
	case accountTypeBusiness:
	case accountTypePersonal:
		return nil, errors.New("source: personal OneDrive accounts require an interactive login and are not supported")
	default:
		return nil, fmt.Errorf("source: unknown onedrive account_type %q", cfg.AccountType)
	}

	if cfg.UserID == "" {
		return nil, errors.New("source: onedrive requires user_id")
	}

	token, err := graph.NewClientCredentialsTokenSource(ctx, graph.Credentials{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, logger)
	if err != nil {
		return nil, err
	}

	client := graph.NewClient("", nil, token, logger)

	return newOneDriveWithClient(client, cfg, logger), nil
}

// newOneDriveWithClient wires the adapter around a pre-built Graph
// client. Split from newOneDrive so tests can inject a test server.
func newOneDriveWithClient(client *graph.Client, cfg oneDriveConfig, logger *slog.Logger) *OneDrive {
	return &OneDrive{
		graphFetcher: newGraphFetcher(client, logger),
		userID:       cfg.UserID,
		rootFolder:   strings.Trim(cfg.RootFolder, "/"),
		recursive:    cfg.Recursive,
		filter:       newFileFilter(cfg.IncludePatterns, cfg.ExcludePatterns, cfg.IncludeExtensions, cfg.ExcludeExtensions),
		logger:       logger,
	}
}

// resolveDrive returns the user's drive ID, fetching it on first use.
func (o *OneDrive) resolveDrive(ctx context.Context) (string, error) {
	o.mu.Lock()
	cached := o.driveID
	o.mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	drive, err := o.client.GetUserDrive(ctx, o.userID)
	if err != nil {
		return "", wrapGraphErr("resolving drive for user "+o.userID, err)
	}

	driveID := strings.ToLower(drive.ID)

	o.mu.Lock()
	o.driveID = driveID
	o.mu.Unlock()

	o.logger.Info("resolved onedrive",
		slog.String("user_id", o.userID),
		slog.String("drive_id", driveID),
	)

	return driveID, nil
}

// Drives returns the user's single drive, satisfying the per-drive delta
// contract shared with SharePoint.
func (o *OneDrive) Drives(ctx context.Context) ([]DriveInfo, error) {
	driveID, err := o.resolveDrive(ctx)
	if err != nil {
		return nil, err
	}

	return []DriveInfo{{ID: driveID, Name: o.userID}}, nil
}

// List walks the configured folder and returns the files that pass the
// filters. Item locations are remembered for Fetch.
func (o *OneDrive) List(ctx context.Context) ([]FileInfo, error) {
	driveID, err := o.resolveDrive(ctx)
	if err != nil {
		return nil, err
	}

	startID := "root"

	if o.rootFolder != "" {
		item, err := o.client.GetItemByPath(ctx, driveID, o.rootFolder)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				return nil, fmt.Errorf("%w: root folder %q not found in drive", ErrSourceUnavailable, o.rootFolder)
			}

			return nil, wrapGraphErr("resolving root folder "+o.rootFolder, err)
		}

		startID = item.ID
	}

	var files []FileInfo

	walkErr := walkDrive(ctx, o.client, driveID, startID, o.recursive, func(item graph.Item) {
		if fi, ok := o.fileInfoFor(item, driveID); ok {
			files = append(files, fi)
		}
	})
	if walkErr != nil {
		return nil, wrapGraphErr("listing drive for user "+o.userID, walkErr)
	}

	o.logger.Debug("listed onedrive files",
		slog.String("user_id", o.userID),
		slog.Int("count", len(files)),
	)

	return files, nil
}

func (o *OneDrive) fileInfoFor(item graph.Item, driveID string) (FileInfo, bool) {
	itemPath := item.Path()

	if !underPath(itemPath, o.rootFolder) {
		return FileInfo{}, false
	}

	if !o.filter.Include(itemPath) {
		return FileInfo{}, false
	}

	if item.WebURL == "" {
		o.logger.Warn("skipping item without web URL", slog.String("item_id", item.ID))

		return FileInfo{}, false
	}

	fi := graphFileInfo(item, driveID)
	o.remember(fi.URI, itemRef{
		driveID:      fi.SourceMeta["drive_id"],
		itemID:       item.ID,
		downloadURL:  item.DownloadURL,
		quickXorHash: item.QuickXorHash,
	})

	return fi, true
}

// DeltaList enumerates changes in the user's drive since token.
func (o *OneDrive) DeltaList(ctx context.Context, driveID, token string) ([]Change, string, error) {
	items, newToken, err := o.client.DeltaAll(ctx, driveID, token)
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
			fi, ok := o.fileInfoFor(item, driveID)
			if !ok {
				continue
			}

			changes = append(changes, Change{FileInfo: fi})
		}
	}

	o.logger.Debug("delta listed drive",
		slog.String("drive_id", driveID),
		slog.Int("changes", len(changes)),
		slog.Bool("baseline", token == ""),
	)

	return changes, newToken, nil
}
