// Package catalog holds the preconfigured example jobs offered besides dataset uploads.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coordination/explorer/internal/jobs"
)

const (
	errMessageReadCatalog    = "read catalog file"
	errMessageDecodeCatalog  = "decode catalog file"
	errMessageFetchCatalog   = "fetch catalog"
	errMessageUnknownExample = "unknown example"
	errMessageInvalidEntry   = "catalog entry %d: %w"
	errMessageMissingLabel   = "label is empty"
	errMessageMissingConfig  = "config is empty"
)

var (
	// ErrUnknownExample is returned when no entry carries the requested label.
	ErrUnknownExample = errors.New(errMessageUnknownExample)
	// ErrMissingLabel marks an entry without a label.
	ErrMissingLabel = errors.New(errMessageMissingLabel)
	// ErrMissingConfig marks an entry without a job configuration.
	ErrMissingConfig = errors.New(errMessageMissingConfig)
)

// ExampleFetcher lists the examples a job service offers.
type ExampleFetcher interface {
	Examples(ctx context.Context) ([]jobs.Example, error)
}

// Catalog is an immutable list of examples ordered by label.
type Catalog struct {
	examples []jobs.Example
	byLabel  map[string]int
}

// New validates examples and orders them by label. Later duplicates replace earlier ones.
func New(examples []jobs.Example) (*Catalog, error) {
	byLabel := make(map[string]jobs.Example, len(examples))
	for position, example := range examples {
		if strings.TrimSpace(example.Label) == "" {
			return nil, fmt.Errorf(errMessageInvalidEntry, position, ErrMissingLabel)
		}
		if len(example.Config) == 0 {
			return nil, fmt.Errorf(errMessageInvalidEntry, position, ErrMissingConfig)
		}
		byLabel[strings.TrimSpace(example.Label)] = example
	}

	catalog := &Catalog{examples: make([]jobs.Example, 0, len(byLabel)), byLabel: make(map[string]int, len(byLabel))}
	for label, example := range byLabel {
		example.Label = label
		catalog.examples = append(catalog.examples, example)
	}
	sort.Slice(catalog.examples, func(left, right int) bool {
		return catalog.examples[left].Label < catalog.examples[right].Label
	})
	for position, example := range catalog.examples {
		catalog.byLabel[example.Label] = position
	}
	return catalog, nil
}

// LoadFile reads a YAML catalog: a list of entries with label and config keys.
func LoadFile(path string) (*Catalog, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageReadCatalog, err)
	}
	return Parse(contents)
}

// Parse decodes a YAML catalog document.
func Parse(contents []byte) (*Catalog, error) {
	var examples []jobs.Example
	if err := yaml.Unmarshal(contents, &examples); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageDecodeCatalog, err)
	}
	return New(examples)
}

// Fetch loads the catalog served by the job service.
func Fetch(ctx context.Context, fetcher ExampleFetcher) (*Catalog, error) {
	examples, err := fetcher.Examples(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageFetchCatalog, err)
	}
	return New(examples)
}

// Examples returns the entries ordered by label.
func (catalog *Catalog) Examples() []jobs.Example {
	return append([]jobs.Example(nil), catalog.examples...)
}

// Labels returns the entry labels in order.
func (catalog *Catalog) Labels() []string {
	labels := make([]string, 0, len(catalog.examples))
	for _, example := range catalog.examples {
		labels = append(labels, example.Label)
	}
	return labels
}

// Lookup returns the entry with the given label.
func (catalog *Catalog) Lookup(label string) (jobs.Example, bool) {
	position, found := catalog.byLabel[strings.TrimSpace(label)]
	if !found {
		return jobs.Example{}, false
	}
	return catalog.examples[position], true
}

// Submission turns the labelled example into a job submission, narrowing its query to
// the given hashtags when any are supplied.
func (catalog *Catalog) Submission(label string, speed int, exclusions []string, hashtags []string) (jobs.Submission, error) {
	example, found := catalog.Lookup(label)
	if !found {
		return jobs.Submission{}, fmt.Errorf("%w: %q", ErrUnknownExample, label)
	}
	return jobs.Submission{
		Config:     jobs.NarrowQuery(example.Config, hashtags),
		Exclusions: exclusions,
		Speed:      speed,
	}, nil
}
