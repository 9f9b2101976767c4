package sync

import (
	"log/slog"
	"sort"
	"time"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/source"
)

// mtimeTolerance absorbs clock and filesystem timestamp granularity when
// comparing source modification times. FAT stores 2-second resolution and
// Graph rounds sub-second times, so anything within the window counts as
// the same instant.
const mtimeTolerance = 2 * time.Second

// Detector classifies a source listing against the catalog's latest
// records. It is pure bookkeeping: no I/O, no mutation of its inputs.
type Detector struct {
	logger *slog.Logger
}

// NewDetector returns a detector logging through logger.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{logger: logger}
}

// Detect classifies every listed file and, when the listing is complete,
// every catalogued file that is no longer listed. Tombstones carry
// deletions for incremental listings, where absence proves nothing.
//
// Modifications are established by two pre-filters before content is ever
// hashed: a size mismatch is proof of change, and a modification time
// within mtimeTolerance of the stored one (sizes equal) is proof of no
// change. Files that pass both filters get a tentative ChangeModified
// that the processor confirms or downgrades by hash.
func (d *Detector) Detect(
	files []source.FileInfo, tombstones []source.FileInfo, complete bool,
	latest map[string]*catalog.FileRecord,
) []Classification {
	out := make([]Classification, 0, len(files))
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		if seen[f.URI] {
			d.logger.Warn("duplicate URI in listing, keeping first entry", slog.String("uri", f.URI))

			continue
		}

		seen[f.URI] = true
		out = append(out, d.classify(f, latest[f.URI]))
	}

	out = append(out, d.tombstoneDeletions(tombstones, seen, latest)...)

	if complete {
		out = append(out, d.absenceDeletions(seen, latest)...)
	}

	return out
}

// classify decides what happened to one listed file.
func (d *Detector) classify(f source.FileInfo, rec *catalog.FileRecord) Classification {
	switch {
	case rec == nil:
		return Classification{Type: ChangeNew, File: f}

	case rec.Status == catalog.FileDeleted:
		// Restoration: the file is back after a recorded deletion. It is
		// processed as new content, but the old record rides along so the
		// stored filename and location are reused.
		d.logger.Info("file restored after deletion", slog.String("uri", f.URI))

		return Classification{Type: ChangeNew, File: f, Existing: rec}

	case f.Size != rec.FileSize:
		// Different size cannot be the same content; skip hashing.
		return Classification{Type: ChangeModified, File: f, Existing: rec, SizeChanged: true}

	case sameMtime(f.Modified, rec.SourceModifiedAt):
		return Classification{Type: ChangeUnchanged, File: f, Existing: rec}

	default:
		// Same size but the timestamps disagree or are unknown. Only the
		// hash can settle it.
		return Classification{Type: ChangeModified, File: f, Existing: rec}
	}
}

// tombstoneDeletions resolves delta tombstones to catalogued files.
// Deleted Graph items often arrive without a resolvable path, so a
// tombstone that does not match any catalogued URI is matched by its
// item_id metadata instead.
func (d *Detector) tombstoneDeletions(
	tombstones []source.FileInfo, seen map[string]bool, latest map[string]*catalog.FileRecord,
) []Classification {
	if len(tombstones) == 0 {
		return nil
	}

	var byItemID map[string]*catalog.FileRecord

	out := make([]Classification, 0, len(tombstones))

	for _, t := range tombstones {
		rec := latest[t.URI]
		if rec == nil {
			if byItemID == nil {
				byItemID = indexByItemID(latest)
			}

			rec = byItemID[t.SourceMeta["item_id"]]
		}

		switch {
		case rec == nil:
			// Deleted before we ever catalogued it.
			d.logger.Debug("tombstone for unknown file ignored", slog.String("uri", t.URI))

		case rec.Status == catalog.FileDeleted:
			// Already recorded as deleted; do not repeat the record.

		case seen[rec.OriginalURI]:
			// The same batch also listed the file; the listing wins.

		default:
			seen[rec.OriginalURI] = true
			out = append(out, Classification{
				Type:     ChangeDeleted,
				File:     source.FileInfo{URI: rec.OriginalURI},
				Existing: rec,
			})
		}
	}

	return out
}

// absenceDeletions marks catalogued files missing from a complete listing
// as deleted, skipping files whose latest record already says so. Output
// is sorted by URI so runs are deterministic.
func (d *Detector) absenceDeletions(
	seen map[string]bool, latest map[string]*catalog.FileRecord,
) []Classification {
	var uris []string

	for uri, rec := range latest {
		if seen[uri] || rec.Status == catalog.FileDeleted {
			continue
		}

		uris = append(uris, uri)
	}

	sort.Strings(uris)

	out := make([]Classification, 0, len(uris))

	for _, uri := range uris {
		out = append(out, Classification{
			Type:     ChangeDeleted,
			File:     source.FileInfo{URI: uri},
			Existing: latest[uri],
		})
	}

	return out
}

// indexByItemID builds a lookup from the item_id stored with each record.
func indexByItemID(latest map[string]*catalog.FileRecord) map[string]*catalog.FileRecord {
	idx := make(map[string]*catalog.FileRecord)

	for _, rec := range latest {
		if id := rec.SourceMetadata["item_id"]; id != "" {
			idx[id] = rec
		}
	}

	return idx
}

// sameMtime reports whether two modification times are within
// mtimeTolerance of each other. Unknown times never match.
func sameMtime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}

	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}

	return diff <= mtimeTolerance
}
