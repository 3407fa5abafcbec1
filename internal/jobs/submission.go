package jobs

import (
	"strings"

	"github.com/coordination/explorer/internal/fingerprint"
)

const (
	// DefaultSpeed is the speed option used when none is given: pairwise and group
	// level filtering.
	DefaultSpeed = 3

	configKeySpeed  = "speed"
	configKeyIgnore = "ignore"
	configKeyQuery  = "query"
)

// Submission is the input of one analysis job: either an uploaded dataset or a job
// configuration drawn from the example catalog.
type Submission struct {
	DatasetName string
	Dataset     []byte
	Config      map[string]any
	Exclusions  []string
	Speed       int
}

// IsDataset reports whether the submission uploads a dataset.
func (submission Submission) IsDataset() bool {
	return submission.Dataset != nil
}

// EffectiveSpeed returns the speed option, defaulting when unset.
func (submission Submission) EffectiveSpeed() int {
	if submission.Speed <= 0 {
		return DefaultSpeed
	}
	return submission.Speed
}

// JobConfig returns the configuration as sent to the service: a copy of Config carrying
// the speed option and, when present, the canonical exclusion list.
func (submission Submission) JobConfig() map[string]any {
	jobConfig := make(map[string]any, len(submission.Config)+2)
	for key, value := range submission.Config {
		jobConfig[key] = value
	}
	jobConfig[configKeySpeed] = submission.EffectiveSpeed()
	delete(jobConfig, configKeyIgnore)
	if exclusions := fingerprint.CanonicalExclusions(submission.Exclusions); len(exclusions) > 0 {
		jobConfig[configKeyIgnore] = exclusions
	}
	return jobConfig
}

// Fingerprint returns the content fingerprint used as the job identifier.
func (submission Submission) Fingerprint() (string, error) {
	if submission.IsDataset() {
		return fingerprint.Dataset(submission.Dataset, submission.Exclusions, submission.EffectiveSpeed()), nil
	}
	if submission.Config == nil {
		return "", ErrEmptySubmission
	}
	return fingerprint.Config(submission.JobConfig())
}

// NarrowQuery wraps the configuration's query so that only posts carrying one of the
// given hashtags match. Terms are lower-cased; an empty list leaves the configuration
// unchanged.
func NarrowQuery(config map[string]any, terms []string) map[string]any {
	narrowed := make(map[string]any, len(config))
	for key, value := range config {
		narrowed[key] = value
	}
	lowered := make([]any, 0, len(terms))
	for _, term := range terms {
		if trimmed := strings.ToLower(strings.TrimSpace(term)); trimmed != "" {
			lowered = append(lowered, trimmed)
		}
	}
	if len(lowered) == 0 {
		return narrowed
	}
	narrowed[configKeyQuery] = map[string]any{
		"bool": map[string]any{
			"must": []any{
				config[configKeyQuery],
				map[string]any{"terms": map[string]any{"hashtags.keyword": lowered}},
			},
		},
	}
	return narrowed
}

// Example is a catalog entry describing a preconfigured job.
type Example struct {
	Label  string         `json:"label" yaml:"label"`
	Config map[string]any `json:"config" yaml:"config"`
}

// Post is a single post record served for a job.
type Post struct {
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
	ScreenName string `json:"screenName"`
	PostID     string `json:"postId"`
	UserID     string `json:"userId,omitempty"`
}

// JobHandle is the outcome of a submission.
type JobHandle struct {
	JobID       string
	Fingerprint string
	Status      JobStatus
	// Reattached is set when the fingerprint already named a known job and nothing was
	// uploaded.
	Reattached bool
}
