package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/coordination/explorer/internal/catalog"
	"github.com/coordination/explorer/internal/jobs"
)

const sampleCatalogYAML = `
- label: Vaccines
  config:
    index: posts-2021
    query:
      match_all: {}
- label: Elections
  config:
    index: posts-2020
    query:
      match:
        text: ballot
`

type stubExampleFetcher struct {
	examples []jobs.Example
	err      error
}

func (fetcher stubExampleFetcher) Examples(context.Context) ([]jobs.Example, error) {
	return fetcher.examples, fetcher.err
}

func TestLoadFileOrdersByLabel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	loaded, err := catalog.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if labels := loaded.Labels(); !reflect.DeepEqual(labels, []string{"Elections", "Vaccines"}) {
		t.Fatalf("unexpected labels %v", labels)
	}
	example, found := loaded.Lookup("Vaccines")
	if !found || example.Config["index"] != "posts-2021" {
		t.Fatalf("unexpected example %+v", example)
	}
}

func TestSubmissionNarrowsQuery(t *testing.T) {
	t.Parallel()

	loaded, err := catalog.Parse([]byte(sampleCatalogYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	plain, err := loaded.Submission("Elections", 2, []string{"Spam"}, nil)
	if err != nil {
		t.Fatalf("Submission returned error: %v", err)
	}
	narrowed, err := loaded.Submission("Elections", 2, []string{"Spam"}, []string{"Vote"})
	if err != nil {
		t.Fatalf("Submission returned error: %v", err)
	}

	plainID, err := plain.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	narrowedID, err := narrowed.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	if plainID == narrowedID {
		t.Fatalf("narrowing must change the job fingerprint")
	}

	query, ok := narrowed.Config["query"].(map[string]any)
	if !ok {
		t.Fatalf("expected wrapped query, got %T", narrowed.Config["query"])
	}
	if _, ok := query["bool"]; !ok {
		t.Fatalf("expected bool query, got %v", query)
	}
	if original, _ := loaded.Lookup("Elections"); !reflect.DeepEqual(original.Config["query"], plain.Config["query"]) {
		t.Fatalf("catalog entry must not be modified by narrowing")
	}

	if _, err := loaded.Submission("Unknown", 0, nil, nil); !errors.Is(err, catalog.ErrUnknownExample) {
		t.Fatalf("expected ErrUnknownExample, got %v", err)
	}
}

func TestNewRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		examples []jobs.Example
		expected error
	}{
		{name: "missing label", examples: []jobs.Example{{Config: map[string]any{"index": "a"}}}, expected: catalog.ErrMissingLabel},
		{name: "missing config", examples: []jobs.Example{{Label: "A"}}, expected: catalog.ErrMissingConfig},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := catalog.New(testCase.examples); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestFetchUsesService(t *testing.T) {
	t.Parallel()

	fetched, err := catalog.Fetch(context.Background(), stubExampleFetcher{examples: []jobs.Example{
		{Label: "B", Config: map[string]any{"index": "b"}},
		{Label: "A", Config: map[string]any{"index": "a"}},
	}})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if labels := fetched.Labels(); !reflect.DeepEqual(labels, []string{"A", "B"}) {
		t.Fatalf("unexpected labels %v", labels)
	}

	serviceErr := errors.New("unavailable")
	if _, err := catalog.Fetch(context.Background(), stubExampleFetcher{err: serviceErr}); !errors.Is(err, serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
}
