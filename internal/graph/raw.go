package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	attributeLabel      = "label"
	attributeCreatedAt  = "created_at"
	attributePosts      = "posts"
	attributeFollowers  = "followers"
	attributeCommunity  = "community"
	attributeSize       = "size"
	attributeHashtags   = "hashtags"
	attributeWeights    = "weights"
	attributeSource     = "source"
	attributeTarget     = "target"
	errMessageDecodeRaw = "decode graph result"
)

var (
	rawValidatorOnce sync.Once
	rawValidator     *validator.Validate
)

// RawResult is the graph document produced by the analysis job.
type RawResult struct {
	Nodes       []RawNode                  `json:"nodes" validate:"required,dive"`
	Edges       []RawEdge                  `json:"edges" validate:"required,dive"`
	Communities map[string]json.RawMessage `json:"communities,omitempty"`
	Posts       map[string]json.RawMessage `json:"posts,omitempty"`
}

// RawNode is a single account entry of a RawResult.
type RawNode struct {
	Key        string            `json:"key" validate:"required"`
	Attributes RawNodeAttributes `json:"attributes"`
}

// RawNodeAttributes holds the node attribute object. Known keys are decoded into typed
// fields; everything else is retained in Extra.
type RawNodeAttributes struct {
	Label         string `validate:"required"`
	CreatedAt     string
	PostIDs       []string
	PostsCount    int
	FollowerCount int
	Community     *int `validate:"required"`
	Extra         map[string]json.RawMessage
}

// RawEdge is a single coordination link of a RawResult.
type RawEdge struct {
	Source     string            `json:"source" validate:"required"`
	Target     string            `json:"target" validate:"required"`
	Attributes RawEdgeAttributes `json:"attributes"`
}

// RawEdgeAttributes holds the edge attribute object.
type RawEdgeAttributes struct {
	Size           *float64 `validate:"required"`
	Hashtags       []string `validate:"required"`
	HashtagWeights []float64
	SourcePosts    [][]string
	TargetPosts    [][]string
	Extra          map[string]json.RawMessage
}

// DecodeRawResult parses and validates a graph document.
func DecodeRawResult(payload []byte) (RawResult, error) {
	var raw RawResult
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RawResult{}, &MalformedResultError{Field: errMessageDecodeRaw, Err: err}
	}
	if err := raw.Validate(); err != nil {
		return RawResult{}, err
	}
	return raw, nil
}

// Validate checks the document against the schema required for import.
func (raw RawResult) Validate() error {
	if err := structValidator().Struct(raw); err != nil {
		return &MalformedResultError{Field: validationField(err), Err: err}
	}

	nodeKeys := make(map[string]struct{}, len(raw.Nodes))
	for _, node := range raw.Nodes {
		if _, exists := nodeKeys[node.Key]; exists {
			return &MalformedResultError{Field: "nodes.key", Err: fmt.Errorf("%w: %s", ErrDuplicateNode, node.Key)}
		}
		nodeKeys[node.Key] = struct{}{}
	}

	for index, edge := range raw.Edges {
		if _, exists := nodeKeys[edge.Source]; !exists {
			return &MalformedResultError{Field: fmt.Sprintf("edges[%d].source", index), Err: fmt.Errorf("%w: %s", ErrUnknownEndpoint, edge.Source)}
		}
		if _, exists := nodeKeys[edge.Target]; !exists {
			return &MalformedResultError{Field: fmt.Sprintf("edges[%d].target", index), Err: fmt.Errorf("%w: %s", ErrUnknownEndpoint, edge.Target)}
		}
		hashtagCount := len(edge.Attributes.Hashtags)
		if weights := edge.Attributes.HashtagWeights; weights != nil && len(weights) != hashtagCount {
			return &MalformedResultError{Field: fmt.Sprintf("edges[%d].attributes.weights", index), Err: ErrMisalignedHashtags}
		}
		if posts := edge.Attributes.SourcePosts; posts != nil && len(posts) != hashtagCount {
			return &MalformedResultError{Field: fmt.Sprintf("edges[%d].attributes.source", index), Err: ErrMisalignedHashtags}
		}
		if posts := edge.Attributes.TargetPosts; posts != nil && len(posts) != hashtagCount {
			return &MalformedResultError{Field: fmt.Sprintf("edges[%d].attributes.target", index), Err: ErrMisalignedHashtags}
		}
	}
	return nil
}

// UnmarshalJSON decodes the free-form node attribute object.
func (attributes *RawNodeAttributes) UnmarshalJSON(payload []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}

	if value, exists := fields[attributeLabel]; exists {
		label, err := decodeScalarString(value)
		if err != nil {
			return fmt.Errorf("%s: %w", attributeLabel, err)
		}
		attributes.Label = label
		delete(fields, attributeLabel)
	}
	if value, exists := fields[attributeCreatedAt]; exists {
		createdAt, err := decodeScalarString(value)
		if err != nil {
			return fmt.Errorf("%s: %w", attributeCreatedAt, err)
		}
		attributes.CreatedAt = createdAt
		delete(fields, attributeCreatedAt)
	}
	if value, exists := fields[attributePosts]; exists {
		// posts is either the list of contributing post identifiers or a bare count
		if postIDs, err := decodeStringList(value); err == nil {
			attributes.PostIDs = postIDs
			attributes.PostsCount = len(postIDs)
		} else {
			var count float64
			if countErr := json.Unmarshal(value, &count); countErr != nil {
				return fmt.Errorf("%s: %w", attributePosts, err)
			}
			attributes.PostsCount = int(count)
		}
		delete(fields, attributePosts)
	}
	if value, exists := fields[attributeFollowers]; exists {
		var followers float64
		if err := json.Unmarshal(value, &followers); err != nil {
			return fmt.Errorf("%s: %w", attributeFollowers, err)
		}
		attributes.FollowerCount = int(followers)
		delete(fields, attributeFollowers)
	}
	if value, exists := fields[attributeCommunity]; exists {
		var community float64
		if err := json.Unmarshal(value, &community); err != nil {
			return fmt.Errorf("%s: %w", attributeCommunity, err)
		}
		communityID := int(community)
		attributes.Community = &communityID
		delete(fields, attributeCommunity)
	}

	if len(fields) > 0 {
		attributes.Extra = fields
	}
	return nil
}

// UnmarshalJSON decodes the edge attribute object.
func (attributes *RawEdgeAttributes) UnmarshalJSON(payload []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}

	if value, exists := fields[attributeSize]; exists {
		var size float64
		if err := json.Unmarshal(value, &size); err != nil {
			return fmt.Errorf("%s: %w", attributeSize, err)
		}
		attributes.Size = &size
		delete(fields, attributeSize)
	}
	if value, exists := fields[attributeHashtags]; exists {
		hashtags, err := decodeStringList(value)
		if err != nil {
			return fmt.Errorf("%s: %w", attributeHashtags, err)
		}
		attributes.Hashtags = hashtags
		delete(fields, attributeHashtags)
	}
	if value, exists := fields[attributeWeights]; exists {
		if err := json.Unmarshal(value, &attributes.HashtagWeights); err != nil {
			return fmt.Errorf("%s: %w", attributeWeights, err)
		}
		delete(fields, attributeWeights)
	}
	if value, exists := fields[attributeSource]; exists {
		posts, err := decodeNestedStringList(value)
		if err != nil {
			return fmt.Errorf("%s: %w", attributeSource, err)
		}
		attributes.SourcePosts = posts
		delete(fields, attributeSource)
	}
	if value, exists := fields[attributeTarget]; exists {
		posts, err := decodeNestedStringList(value)
		if err != nil {
			return fmt.Errorf("%s: %w", attributeTarget, err)
		}
		attributes.TargetPosts = posts
		delete(fields, attributeTarget)
	}

	if len(fields) > 0 {
		attributes.Extra = fields
	}
	return nil
}

func structValidator() *validator.Validate {
	rawValidatorOnce.Do(func() {
		rawValidator = validator.New()
	})
	return rawValidator
}

func validationField(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok && len(validationErrors) > 0 {
		return validationErrors[0].Namespace()
	}
	return errMessageDecodeRaw
}

// decodeScalarString accepts strings and numbers, since identifiers and timestamps arrive
// in either form depending on the data source.
func decodeScalarString(value json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(value)
	if bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text, nil
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return "", err
	}
	if integer, err := strconv.ParseInt(number.String(), 10, 64); err == nil {
		return strconv.FormatInt(integer, 10), nil
	}
	return strings.TrimSpace(number.String()), nil
}

func decodeStringList(value json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, err
	}
	decoded := make([]string, 0, len(items))
	for _, item := range items {
		text, err := decodeScalarString(item)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, text)
	}
	return decoded, nil
}

func decodeNestedStringList(value json.RawMessage) ([][]string, error) {
	var groups []json.RawMessage
	if err := json.Unmarshal(value, &groups); err != nil {
		return nil, err
	}
	decoded := make([][]string, 0, len(groups))
	for _, group := range groups {
		items, err := decodeStringList(group)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, items)
	}
	return decoded, nil
}
