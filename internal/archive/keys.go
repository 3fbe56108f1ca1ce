// Package archive defines the on-bucket layout of the event archive: the
// content-addressed key scheme shared by raw and compacted files, and the
// Parquet codec for the fixed event schema.
//
// Layout (prefixes are versioned so the schema can evolve side by side):
//
//	<raw>/YYYY/MM/DD/<base64url(sha256(body))>.parquet
//	<compacted>/YYYY/MM/DD/HH/<base64url(sha256(body))>.parquet
//	<compacted>/run.json
//	<compacted>/run.lock
//
// Date partitioning of compacted outputs uses JST; identical bytes always map
// to identical keys, so retried uploads overwrite themselves.
package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// JST is the partitioning timezone for compacted outputs and ingestion dates.
var JST = time.FixedZone("JST", 9*60*60)

const (
	// DefaultRawPrefix is the schema-versioned namespace for per-webhook files.
	DefaultRawPrefix = "raw/v1"

	// DefaultCompactedPrefix is the schema-versioned namespace for hourly files.
	DefaultCompactedPrefix = "compacted/v1"

	// FileExtension is appended to every archive object.
	FileExtension = ".parquet"

	runStatusFile = "run.json"
	runLockFile   = "run.lock"
)

// Keys maps dates, hours, and content hashes to object keys. The zero value
// is not usable; construct with NewKeys.
type Keys struct {
	rawPrefix       string
	compactedPrefix string
}

// NewKeys returns a Keys for the given prefixes. Empty arguments fall back to
// the defaults; trailing slashes are trimmed.
func NewKeys(rawPrefix, compactedPrefix string) Keys {
	if rawPrefix = strings.TrimSuffix(rawPrefix, "/"); rawPrefix == "" {
		rawPrefix = DefaultRawPrefix
	}
	if compactedPrefix = strings.TrimSuffix(compactedPrefix, "/"); compactedPrefix == "" {
		compactedPrefix = DefaultCompactedPrefix
	}
	return Keys{rawPrefix: rawPrefix, compactedPrefix: compactedPrefix}
}

// ContentName returns the final path segment for a file body: the unpadded
// base64url SHA-256 of the full body bytes.
func ContentName(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RawFileKey returns the key for a raw file stored on the given calendar date.
// The caller chooses the timezone by localizing date before the call.
func (k Keys) RawFileKey(date time.Time, body []byte) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s",
		k.rawPrefix, date.Year(), int(date.Month()), date.Day(), ContentName(body), FileExtension)
}

// CompactedFileKey returns the key for an hourly compacted file.
func (k Keys) CompactedFileKey(date time.Time, hour int, body []byte) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/%02d/%s%s",
		k.compactedPrefix, date.Year(), int(date.Month()), date.Day(), hour, ContentName(body), FileExtension)
}

// RawRoot returns the listing prefix covering every raw file.
func (k Keys) RawRoot() string {
	return k.rawPrefix + "/"
}

// RawYear returns the listing prefix for one raw year partition.
func (k Keys) RawYear(year int) string {
	return fmt.Sprintf("%s/%04d/", k.rawPrefix, year)
}

// RawMonth returns the listing prefix for one raw month partition.
func (k Keys) RawMonth(year, month int) string {
	return fmt.Sprintf("%s/%04d/%02d/", k.rawPrefix, year, month)
}

// RawDay returns the listing prefix for one raw day partition.
func (k Keys) RawDay(year, month, day int) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/", k.rawPrefix, year, month, day)
}

// CompactedRoot returns the listing prefix covering every compacted file.
func (k Keys) CompactedRoot() string {
	return k.compactedPrefix + "/"
}

// CompactedDay returns the listing prefix for one compacted day partition.
func (k Keys) CompactedDay(year, month, day int) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/", k.compactedPrefix, year, month, day)
}

// CompactedHour returns the listing prefix for one compacted hour partition.
func (k Keys) CompactedHour(year, month, day, hour int) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/%02d/", k.compactedPrefix, year, month, day, hour)
}

// RunStatusKey returns the key of the run status document.
func (k Keys) RunStatusKey() string {
	return k.compactedPrefix + "/" + runStatusFile
}

// RunLockKey returns the key of the distributed lock object.
func (k Keys) RunLockKey() string {
	return k.compactedPrefix + "/" + runLockFile
}

// IsArchiveFile reports whether key names an archive data file.
func IsArchiveFile(key string) bool {
	return strings.HasSuffix(key, FileExtension)
}
