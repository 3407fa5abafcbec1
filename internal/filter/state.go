// Package filter resolves per-frame visibility, color and labels of a derived graph from
// the current filter and interaction state.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// HashtagMode selects how an edge's hashtags are matched against a hashtag filter.
type HashtagMode string

// DisplayMode selects the edge coloring scheme.
type DisplayMode string

const (
	// HashtagModeAny keeps edges sharing at least one filtered hashtag.
	HashtagModeAny HashtagMode = "any"
	// HashtagModeAll keeps edges covering every filtered hashtag.
	HashtagModeAll HashtagMode = "all"

	// DisplayModeWeight colors edges by their weight-derived grey.
	DisplayModeWeight DisplayMode = "weight"
	// DisplayModeCommunities colors same-community edges with the community color.
	DisplayModeCommunities DisplayMode = "communities"

	defaultRangeLow  = 1.0 / 3.0
	defaultRangeHigh = 1.0

	errMessageHashtagMode = "unsupported hashtag mode"
	errMessageDisplayMode = "unsupported display mode"
	errMessageRange       = "weight range must satisfy 0 <= low <= high <= 1"
)

var (
	// ErrHashtagMode reports a hashtag mode other than any or all.
	ErrHashtagMode = errors.New(errMessageHashtagMode)
	// ErrDisplayMode reports an unknown display mode.
	ErrDisplayMode = errors.New(errMessageDisplayMode)
	// ErrWeightRange reports a range outside [0,1] or with low above high.
	ErrWeightRange = errors.New(errMessageRange)
)

// ParseHashtagMode validates a hashtag mode. The empty string selects any.
func ParseHashtagMode(value string) (HashtagMode, error) {
	switch HashtagMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", HashtagModeAny:
		return HashtagModeAny, nil
	case HashtagModeAll:
		return HashtagModeAll, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrHashtagMode, value)
	}
}

// ParseDisplayMode validates a display mode. The empty string selects weight.
func ParseDisplayMode(value string) (DisplayMode, error) {
	switch DisplayMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", DisplayModeWeight:
		return DisplayModeWeight, nil
	case DisplayModeCommunities:
		return DisplayModeCommunities, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrDisplayMode, value)
	}
}

// WeightRange is an inclusive interval of edge weights.
type WeightRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// DefaultWeightRange is the range a new view starts with.
func DefaultWeightRange() WeightRange {
	return WeightRange{Low: defaultRangeLow, High: defaultRangeHigh}
}

// Validate checks the range bounds.
func (weightRange WeightRange) Validate() error {
	if weightRange.Low < 0 || weightRange.High > 1 || weightRange.Low > weightRange.High {
		return fmt.Errorf("%w: [%v, %v]", ErrWeightRange, weightRange.Low, weightRange.High)
	}
	return nil
}

// Contains reports whether weight lies inside the range.
func (weightRange WeightRange) Contains(weight float64) bool {
	return weight >= weightRange.Low && weight <= weightRange.High
}

// Filter restricts the graph to named accounts and hashtags. A nil *Filter means no
// restriction. Filters are immutable once built and are replaced as a whole.
type Filter struct {
	users    map[string]struct{}
	hashtags map[string]struct{}
	mode     HashtagMode
}

// NewFilter builds a filter from user and hashtag terms. Terms are trimmed and lower-cased.
// When both lists are empty the result is nil.
func NewFilter(users []string, hashtags []string, mode HashtagMode) *Filter {
	normalizedUsers := normalizeTerms(users)
	normalizedHashtags := normalizeTerms(hashtags)
	if len(normalizedUsers) == 0 && len(normalizedHashtags) == 0 {
		return nil
	}
	if mode == "" {
		mode = HashtagModeAny
	}
	return &Filter{users: normalizedUsers, hashtags: normalizedHashtags, mode: mode}
}

// ParseFilter splits whitespace separated user and hashtag text the way the filter form
// accepts them.
func ParseFilter(usersText string, hashtagsText string, modeText string) (*Filter, error) {
	mode, err := ParseHashtagMode(modeText)
	if err != nil {
		return nil, err
	}
	return NewFilter(strings.Fields(usersText), strings.Fields(hashtagsText), mode), nil
}

// HasUsers reports whether the filter restricts accounts.
func (filter *Filter) HasUsers() bool {
	return filter != nil && len(filter.users) > 0
}

// HasHashtags reports whether the filter restricts hashtags.
func (filter *Filter) HasHashtags() bool {
	return filter != nil && len(filter.hashtags) > 0
}

// Mode returns the hashtag match policy.
func (filter *Filter) Mode() HashtagMode {
	if filter == nil {
		return HashtagModeAny
	}
	return filter.mode
}

// Users returns the user terms in sorted order.
func (filter *Filter) Users() []string {
	if filter == nil {
		return nil
	}
	return setKeys(filter.users)
}

// Hashtags returns the hashtag terms in sorted order.
func (filter *Filter) Hashtags() []string {
	if filter == nil {
		return nil
	}
	return setKeys(filter.hashtags)
}

// MatchesUser reports whether displayName, compared lower-cased, is a filtered user.
func (filter *Filter) MatchesUser(displayName string) bool {
	if !filter.HasUsers() {
		return false
	}
	_, found := filter.users[strings.ToLower(displayName)]
	return found
}

// MatchesHashtags applies the hashtag policy to an edge's hashtags. Without a hashtag
// restriction every edge matches.
func (filter *Filter) MatchesHashtags(hashtags []string) bool {
	if !filter.HasHashtags() {
		return true
	}
	covered := make(map[string]struct{}, len(hashtags))
	for _, hashtag := range hashtags {
		lowered := strings.ToLower(hashtag)
		if _, wanted := filter.hashtags[lowered]; wanted {
			if filter.mode != HashtagModeAll {
				return true
			}
			covered[lowered] = struct{}{}
		}
	}
	if filter.mode != HashtagModeAll {
		return false
	}
	return len(covered) == len(filter.hashtags)
}

func normalizeTerms(terms []string) map[string]struct{} {
	normalized := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		trimmed := strings.ToLower(strings.TrimSpace(term))
		if trimmed == "" {
			continue
		}
		normalized[trimmed] = struct{}{}
	}
	return normalized
}

func setKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// State bundles everything the resolver reads besides the graph and the interaction.
type State struct {
	Filter  *Filter
	Range   WeightRange
	Display DisplayMode
}

// DefaultState is the state of a freshly created view.
func DefaultState() State {
	return State{Range: DefaultWeightRange(), Display: DisplayModeWeight}
}
