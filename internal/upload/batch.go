package upload

import (
	"reportsync/internal/classify"
	"reportsync/internal/objstore"
)

// ErrCorruptSource marks an item whose local file could not be read.
var ErrCorruptSource = classify.ErrCorruptSource

type Mode int

const (
	// Strict aborts the rest of the batch on the first failed item.
	Strict Mode = iota
	// BestEffort skips a failed item and keeps going.
	BestEffort
)

func (m Mode) String() string {
	if m == BestEffort {
		return "best_effort"
	}
	return "strict"
}

// Item is one local file and its immutable zero-based batch position.
type Item struct {
	Position  int
	LocalPath string
}

type Batch struct {
	Items    []Item
	Template objstore.Template
	// ContentType defaults to the template category's type.
	ContentType string
	// OwnerReportID defaults to Template.ReportID.
	OwnerReportID string
}

// NewBatch numbers paths in the order given.
func NewBatch(tpl objstore.Template, paths []string) Batch {
	items := make([]Item, len(paths))
	for i, p := range paths {
		items[i] = Item{Position: i, LocalPath: p}
	}
	return Batch{Items: items, Template: tpl}
}

func (b Batch) contentType() string {
	if b.ContentType != "" {
		return b.ContentType
	}
	return b.Template.Category.ContentType()
}

func (b Batch) owner() string {
	if b.OwnerReportID != "" {
		return b.OwnerReportID
	}
	return b.Template.ReportID
}

type Status int

const (
	Success Status = iota
	Retry
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "failure"
	}
}

// Outcome is the terminal result of one UploadBatch call.
type Outcome struct {
	Status Status
	// URLs of completed items in position order.
	URLs []string
	// Remaining holds the items not completed, for Retry and Failure.
	Remaining []Item
	// Skipped holds items dropped in best-effort mode, and SkipKinds why,
	// index for index.
	Skipped   []Item
	SkipKinds []classify.Kind
	Reason    string
	Err       error
}

// TransientSkips are the skipped items worth another try later.
func (o Outcome) TransientSkips() []Item {
	var out []Item
	for i, it := range o.Skipped {
		if i < len(o.SkipKinds) && o.SkipKinds[i].Decision() == classify.Transient {
			out = append(out, it)
		}
	}
	return out
}

func (o Outcome) RemainingPositions() []int {
	out := make([]int, len(o.Remaining))
	for i, it := range o.Remaining {
		out[i] = it.Position
	}
	return out
}
