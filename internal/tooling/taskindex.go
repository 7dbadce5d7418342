package tooling

import (
	"github.com/ccbridge/control-plane/internal/event"
)

// EventSource supplies the approval-request events a SpoolTaskIndex
// scans; satisfied by internal/spool.Spool.Iterate, decoupled here so
// this package stays free of a direct spool dependency.
type EventSource interface {
	Iterate(cursor string) ([]event.Event, error)
}

// ResponseSource supplies recorded callback responses; satisfied by
// dispatch.Pipeline.GetResponses.
type ResponseSource interface {
	GetResponses(limit int) []event.Response
}

// SpoolTaskIndex answers get_task_status and todo by cross-referencing
// spooled approval-request events against recorded responses — neither
// the spool nor the dispatch pipeline tracks a task lifecycle on its
// own, so this is the thin join between them.
type SpoolTaskIndex struct {
	events    EventSource
	responses ResponseSource
}

// NewSpoolTaskIndex builds a TaskIndex over events and responses.
func NewSpoolTaskIndex(events EventSource, responses ResponseSource) *SpoolTaskIndex {
	return &SpoolTaskIndex{events: events, responses: responses}
}

// PendingApprovals implements TaskIndex.
func (idx *SpoolTaskIndex) PendingApprovals(taskID string) []event.Event {
	events, err := idx.events.Iterate("")
	if err != nil {
		return nil
	}
	answered := idx.answeredTaskIDs()

	var pending []event.Event
	for _, e := range events {
		if e.Type != event.TypeApprovalRequest {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		if answered[e.TaskID] {
			continue
		}
		pending = append(pending, e)
	}
	return pending
}

// Status implements TaskIndex.
func (idx *SpoolTaskIndex) Status(taskID string) (string, *event.Response) {
	responses := idx.responses.GetResponses(0)
	for i := range responses {
		if responses[i].TaskID == taskID {
			return responses[i].Action, &responses[i]
		}
	}
	return "pending", nil
}

func (idx *SpoolTaskIndex) answeredTaskIDs() map[string]bool {
	out := make(map[string]bool)
	for _, r := range idx.responses.GetResponses(0) {
		if r.TaskID != "" && r.Action != "unknown" {
			out[r.TaskID] = true
		}
	}
	return out
}
