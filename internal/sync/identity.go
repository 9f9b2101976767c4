package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// errorRagPrefix marks the final path segment of sentinel rag_uri values
// written on error records. Real document URIs always end in a UUID-based
// filename, so the prefix cannot collide.
const errorRagPrefix = "error-"

// hashContent returns the lowercase hex SHA-256 digest of content. The
// digest is the engine's sole content-equality test; timestamps and sizes
// only pre-filter.
func hashContent(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])
}

// storedExtension extracts the extension to carry onto the stored
// filename: the original URI's extension, lowercased. URIs without an
// extension yield "".
func storedExtension(uri string) string {
	return strings.ToLower(path.Ext(uri))
}

// uuidFilename generates a fresh storage filename for a file that has
// never been catalogued: a random UUID plus the original extension. The
// name is chosen once per logical file and reused for every later upload,
// update, and restoration.
func uuidFilename(uri string) string {
	return uuid.NewString() + storedExtension(uri)
}

// conventionFilename renders a file_organization naming convention.
// Supported placeholders: {source_id}, {uuid}, {extension} (with leading
// dot), {original_name} (base name without extension). Templates without
// {source_id} fall back to the plain UUID form.
func conventionFilename(convention, sourceID, uri string) string {
	if convention == "" || !strings.Contains(convention, "{source_id}") {
		return uuidFilename(uri)
	}

	base := path.Base(uri)
	ext := storedExtension(uri)
	stem := strings.TrimSuffix(base, path.Ext(base))

	r := strings.NewReplacer(
		"{source_id}", sourceID,
		"{uuid}", uuid.NewString(),
		"{extension}", ext,
		"{original_name}", stem,
	)

	return r.Replace(convention)
}

// errorRagURI returns the sentinel recorded in place of a real location
// when a file could not be delivered: "<kb>/error-<unix>".
func errorRagURI(kbName string, now time.Time) string {
	return fmt.Sprintf("%s/%s%d", kbName, errorRagPrefix, now.Unix())
}

// isErrorRagURI reports whether a stored rag_uri is an error sentinel
// rather than a real document location. Sentinels must never be passed to
// RAG Update or Delete.
func isErrorRagURI(ragURI string) bool {
	i := strings.LastIndexByte(ragURI, '/')

	return strings.HasPrefix(ragURI[i+1:], errorRagPrefix)
}
