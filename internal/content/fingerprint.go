package content

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a stable digest of the fields that decide whether an
// item's page must be regenerated. Fields are hashed in a fixed order with
// length prefixes, so no two distinct field tuples share an encoding.
func Fingerprint(item Item) string {
	d := xxhash.New()
	for _, field := range []string{item.Title, item.Key, item.Date, item.UpdatedAt, item.SourcePath} {
		_, _ = d.WriteString(strconv.Itoa(len(field)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(field)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Digest combines many fingerprints into one, independent of input order.
func Digest(fingerprints map[string]string) string {
	var sum uint64
	for key, fp := range fingerprints {
		sum += xxhash.Sum64String(key + "\x00" + fp)
	}
	sum ^= uint64(len(fingerprints))
	return strconv.FormatUint(sum, 16)
}
