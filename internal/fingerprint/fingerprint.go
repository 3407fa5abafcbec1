// Package fingerprint derives the content-addressed identifiers used as job keys.
package fingerprint

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	idSeparator               = "_"
	exclusionSeparator        = "\n"
	errMessageReadDataset     = "read dataset"
	errMessageEncodeConfig    = "encode job configuration"
	errMessageNormalizeConfig = "normalize job configuration"
)

// CanonicalExclusions lower-cases, trims, deduplicates and sorts an exclusion list so that
// two lists naming the same entities always hash identically.
func CanonicalExclusions(exclusions []string) []string {
	seen := make(map[string]struct{}, len(exclusions))
	canonical := make([]string, 0, len(exclusions))
	for _, exclusion := range exclusions {
		normalized := strings.ToLower(strings.TrimSpace(exclusion))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		canonical = append(canonical, normalized)
	}
	sort.Strings(canonical)
	return canonical
}

// ExclusionBlob renders the canonical exclusion list as the newline-joined document
// uploaded alongside a dataset.
func ExclusionBlob(exclusions []string) []byte {
	return []byte(strings.Join(CanonicalExclusions(exclusions), exclusionSeparator))
}

// Dataset fingerprints an uploaded dataset together with its exclusion list and speed option.
func Dataset(datasetBytes []byte, exclusions []string, speed int) string {
	fingerprint, _ := DatasetReader(bytes.NewReader(datasetBytes), exclusions, speed)
	return fingerprint
}

// DatasetReader fingerprints a dataset streamed from reader without holding it in memory.
func DatasetReader(reader io.Reader, exclusions []string, speed int) (string, error) {
	datasetHash := md5.New()
	if _, err := io.Copy(datasetHash, reader); err != nil {
		return "", fmt.Errorf("%s: %w", errMessageReadDataset, err)
	}
	exclusionHash := md5.Sum(ExclusionBlob(exclusions))
	return strings.Join([]string{
		hex.EncodeToString(datasetHash.Sum(nil)),
		strconv.Itoa(speed),
		hex.EncodeToString(exclusionHash[:]),
	}, idSeparator), nil
}

// Config fingerprints a job configuration drawn from the example catalog. The configuration
// must already carry its speed and exclusion options.
func Config(configuration any) (string, error) {
	canonical, err := CanonicalJSON(configuration)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes value with sorted object keys, compact separators and no HTML
// escaping, so the same settings always serialize to the same bytes.
func CanonicalJSON(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeConfig, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageNormalizeConfig, err)
	}

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(generic); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeConfig, err)
	}
	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}
