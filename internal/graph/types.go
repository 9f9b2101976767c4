package graph

import (
	"path"
	"time"
)

// Site represents a SharePoint site resolved through the Graph API.
type Site struct {
	ID          string
	Name        string
	DisplayName string
	WebURL      string
}

// Drive represents a drive (SharePoint document library or OneDrive).
type Drive struct {
	ID        string
	Name      string
	DriveType string // "documentLibrary", "business", "personal"
	WebURL    string
}

// Item represents a drive item (file, folder, or package).
// Fields are normalized from the Graph API response — callers never see raw API data.
type Item struct {
	ID         string
	Name       string
	DriveID    string // normalized: lowercase (Graph API casing is inconsistent)
	ParentPath string // slash-separated path under the drive root, "" for root children
	Size       int64
	ETag       string
	WebURL     string
	IsFolder   bool
	IsDeleted  bool
	IsPackage  bool // OneNote packages — listings should skip these
	MimeType   string
	CreatedAt  time.Time
	ModifiedAt time.Time
	// QuickXorHash is the service-computed content hash from the file
	// facet, base64-encoded. Empty when the service has not computed one
	// (folders, some freshly-uploaded items).
	QuickXorHash string
	// DownloadURL is pre-authenticated and ephemeral; NEVER log it.
	DownloadURL string
}

// Path returns the item's slash-separated path under the drive root.
// Deleted delta items often arrive without a parent reference; for those
// the path is just the name, and callers must match on ID instead.
func (i Item) Path() string {
	if i.ParentPath == "" {
		return i.Name
	}

	return path.Join(i.ParentPath, i.Name)
}

// DeltaPage is one page of a delta enumeration. Exactly one of NextLink
// (more pages follow) or DeltaLink (enumeration complete, save as the next
// sync token) is set on a well-formed response.
type DeltaPage struct {
	Items     []Item
	NextLink  string
	DeltaLink string
}
