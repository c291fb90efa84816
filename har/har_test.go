package har

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	data := `{
		"log": {
			"version": "1.2",
			"creator": { "name": "periscope", "version": "0.3.0" },
			"entries": [
				{
					"startedDateTime": "2024-01-15T10:00:00.500Z",
					"time": 120.5,
					"request": {
						"method": "GET",
						"url": "https://test.local/",
						"httpVersion": "HTTP/1.1",
						"cookies": [],
						"headers": [{ "name": "Accept", "value": "*/*" }],
						"queryString": [],
						"headersSize": -1,
						"bodySize": 0
					},
					"response": {
						"status": 200,
						"statusText": "OK",
						"httpVersion": "HTTP/1.1",
						"cookies": [],
						"headers": [],
						"content": { "size": 11, "mimeType": "text/html", "text": "hello world" },
						"redirectURL": "",
						"headersSize": -1,
						"bodySize": 11
					},
					"cache": {},
					"timings": { "blocked": -1, "dns": -1, "connect": -1, "send": 0, "wait": 120.5, "receive": 0, "ssl": -1 }
				}
			]
		}
	}`

	h, err := Decode(strings.NewReader(data))
	require.NoError(t, err)
	require.NotNil(t, h.Log)
	assert.Equal(t, "1.2", h.Log.Version)
	assert.Equal(t, "periscope", h.Log.Creator.Name)
	require.Len(t, h.Log.Entries, 1)

	e := h.Log.Entries[0]
	assert.Equal(t, "GET", e.Request.Method)
	assert.Equal(t, "https://test.local/", e.Request.URL)
	require.Len(t, e.Request.Headers, 1)
	assert.Equal(t, "Accept", e.Request.Headers[0].Name)
	assert.Equal(t, 200, e.Response.Status)
	assert.Equal(t, "hello world", e.Response.Content.Text)
	assert.InDelta(t, 120.5, e.Time, 0.001)
}

func TestDecodeInvalid(t *testing.T) {
	t.Parallel()

	_, err := Decode(strings.NewReader("{not json"))
	require.Error(t, err)
}

func TestEntryByStarted(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	entries := []*Entry{
		{StartedDateTime: t0.Add(2 * time.Second)},
		{StartedDateTime: t0},
		{StartedDateTime: t0.Add(time.Second)},
	}
	sort.Sort(EntryByStarted(entries))

	assert.Equal(t, t0, entries[0].StartedDateTime)
	assert.Equal(t, t0.Add(time.Second), entries[1].StartedDateTime)
	assert.Equal(t, t0.Add(2*time.Second), entries[2].StartedDateTime)
}

func TestPageByStarted(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	pages := []Page{
		{ID: "page_2", StartedDateTime: t0.Add(time.Minute)},
		{ID: "page_1", StartedDateTime: t0},
	}
	sort.Sort(PageByStarted(pages))

	assert.Equal(t, "page_1", pages[0].ID)
	assert.Equal(t, "page_2", pages[1].ID)
}
