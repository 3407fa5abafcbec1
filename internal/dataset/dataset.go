// Package dataset reads the columns of an uploaded post dataset that the explorer needs
// locally: the account order used for pseudonyms and the post lookup.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/coordination/explorer/internal/jobs"
)

const (
	columnScreenName = "Screen_Name"
	columnPostID     = "Post_ID"
	columnPostText   = "Post_text"
	columnPostTime   = "Post_time"
	columnUserID     = "User_ID"

	errMessageReadHeader    = "read dataset header"
	errMessageReadRow       = "read dataset row"
	errMessageMissingColumn = "dataset has no Screen_Name column"
	errMessageRowFormat     = "%s %d: %w"
)

// ErrMissingScreenNames is returned when the dataset header lacks the screen name column.
var ErrMissingScreenNames = errors.New(errMessageMissingColumn)

// Index holds what the explorer keeps of an uploaded dataset.
type Index struct {
	screenNames []string
	posts       map[string]jobs.Post
}

// ScreenNames returns the distinct screen names in first-appearance row order.
func (index *Index) ScreenNames() []string {
	return append([]string(nil), index.screenNames...)
}

// Post returns the row with the given post identifier.
func (index *Index) Post(postID string) (jobs.Post, bool) {
	post, found := index.posts[postID]
	return post, found
}

// PostCount reports how many posts were indexed.
func (index *Index) PostCount() int {
	return len(index.posts)
}

// Read indexes a CSV dataset with a header row. Unknown columns are ignored and rows
// may be ragged.
func Read(reader io.Reader) (*Index, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true

	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageReadHeader, err)
	}
	columns := make(map[string]int, len(header))
	for position, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = position
	}
	screenNameColumn, found := columns[columnScreenName]
	if !found {
		return nil, ErrMissingScreenNames
	}

	index := &Index{posts: map[string]jobs.Post{}}
	seen := map[string]struct{}{}
	for rowNumber := 2; ; rowNumber++ {
		record, readErr := csvReader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf(errMessageRowFormat, errMessageReadRow, rowNumber, readErr)
		}

		screenName := field(record, screenNameColumn)
		if screenName != "" {
			if _, duplicate := seen[screenName]; !duplicate {
				seen[screenName] = struct{}{}
				index.screenNames = append(index.screenNames, screenName)
			}
		}

		postID := lookup(record, columns, columnPostID)
		if postID == "" {
			continue
		}
		index.posts[postID] = jobs.Post{
			Text:       lookup(record, columns, columnPostText),
			Timestamp:  lookup(record, columns, columnPostTime),
			ScreenName: screenName,
			PostID:     postID,
			UserID:     lookup(record, columns, columnUserID),
		}
	}
	return index, nil
}

// ReadBytes indexes an in-memory dataset.
func ReadBytes(contents []byte) (*Index, error) {
	return Read(bytes.NewReader(contents))
}

// ParseExclusions splits free text into lower-cased exclusion terms.
func ParseExclusions(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func lookup(record []string, columns map[string]int, name string) string {
	position, found := columns[name]
	if !found {
		return ""
	}
	return field(record, position)
}

func field(record []string, position int) string {
	if position < 0 || position >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[position])
}
