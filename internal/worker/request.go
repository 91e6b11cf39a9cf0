// Package worker consumes job-level generation requests off the Bus and runs the
// poster pipeline (template fill, rasterize, overlay, upload) for each of their items.
package worker

import (
	"encoding/json"
	"time"
)

// ItemKind names how a work item's input should be resolved into template data.
type ItemKind string

const (
	ItemKindUsername ItemKind = "username"
	ItemKindUserID   ItemKind = "user_id"
	ItemKindCSVRow   ItemKind = "csv_row"
)

// Request is everything one worker goroutine needs to generate a single poster, with
// no further lookups against the Store required before work can start. The Worker
// builds one per item from a JobRequest via ItemRequest.
type Request struct {
	JobID           string         `json:"job_id"`
	ItemID          string         `json:"item_id"`
	Kind            ItemKind       `json:"kind"`
	InputIdentifier string         `json:"input_identifier"`
	RowData         map[string]any `json:"row_data,omitempty"`
	HTMLTemplate    string         `json:"html_template"`
	Width           int            `json:"width"`
	Height          int            `json:"height"`
	LogoURL         string         `json:"logo_url,omitempty"`
	SkipOverlays    bool           `json:"skip_overlays"`
	DeadlineSeconds int            `json:"deadline_seconds"`
}

func (r Request) Deadline() time.Duration {
	if r.DeadlineSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.DeadlineSeconds) * time.Second
}

func (r Request) Marshal() ([]byte, error) { return json.Marshal(r) }

func UnmarshalRequest(body []byte) (Request, error) {
	var r Request
	err := json.Unmarshal(body, &r)
	return r, err
}

// ItemSpec is one item's slice of a JobRequest: just enough to tell items apart,
// since everything else about how to render them (template, dimensions, overlays)
// is shared across the whole job.
type ItemSpec struct {
	ItemID          string         `json:"item_id"`
	Kind            ItemKind       `json:"kind"`
	InputIdentifier string         `json:"input_identifier"`
	RowData         map[string]any `json:"row_data,omitempty"`
}

// JobRequest is the JSON body of the single `requests`-topic envelope the Dispatcher
// publishes per job: the full, self-contained job specification. The Worker expands
// it into one Request per item on dequeue rather than receiving pre-expanded
// per-item envelopes, so a job's fan-out factor never shows up on the wire.
type JobRequest struct {
	JobID           string     `json:"job_id"`
	HTMLTemplate    string     `json:"html_template"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	LogoURL         string     `json:"logo_url,omitempty"`
	SkipOverlays    bool       `json:"skip_overlays"`
	DeadlineSeconds int        `json:"deadline_seconds"`
	Items           []ItemSpec `json:"items"`
}

func (jr JobRequest) Marshal() ([]byte, error) { return json.Marshal(jr) }

func UnmarshalJobRequest(body []byte) (JobRequest, error) {
	var jr JobRequest
	err := json.Unmarshal(body, &jr)
	return jr, err
}

// ItemRequest builds the per-item Request a worker goroutine needs to run RunItem,
// merging the job-level fields shared by every item with one item's own identity.
func (jr JobRequest) ItemRequest(item ItemSpec) Request {
	return Request{
		JobID:           jr.JobID,
		ItemID:          item.ItemID,
		Kind:            item.Kind,
		InputIdentifier: item.InputIdentifier,
		RowData:         item.RowData,
		HTMLTemplate:    jr.HTMLTemplate,
		Width:           jr.Width,
		Height:          jr.Height,
		LogoURL:         jr.LogoURL,
		SkipOverlays:    jr.SkipOverlays,
		DeadlineSeconds: jr.DeadlineSeconds,
	}
}
