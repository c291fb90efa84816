package har

import (
	"encoding/json"
	"io"
)

// EntryByStarted sorts entries by their start time.
type EntryByStarted []*Entry

func (e EntryByStarted) Len() int { return len(e) }

func (e EntryByStarted) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e EntryByStarted) Less(i, j int) bool {
	return e[i].StartedDateTime.Before(e[j].StartedDateTime)
}

// PageByStarted sorts pages by their start time.
type PageByStarted []Page

func (e PageByStarted) Len() int { return len(e) }

func (e PageByStarted) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e PageByStarted) Less(i, j int) bool {
	return e[i].StartedDateTime.Before(e[j].StartedDateTime)
}

// Decode reads a HAR archive from r.
func Decode(r io.Reader) (HAR, error) {
	var h HAR
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return HAR{}, err
	}
	return h, nil
}
