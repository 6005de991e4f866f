package events

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// CompletedStatus is the marker value closing a stream on the wire.
const CompletedStatus = "completed"

// Completion is the record sent after the last event.
type Completion struct {
	Status string `json:"status"`
}

// WriteSSE writes ev as one server-sent-events record.
func WriteSSE(w io.Writer, ev LogEvent) error {
	return writeRecord(w, ev)
}

// WriteSSECompletion writes the completion record.
func WriteSSECompletion(w io.Writer) error {
	return writeRecord(w, Completion{Status: CompletedStatus})
}

func writeRecord(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// Tee fans every call out to all sinks in order.
type Tee []domain.EventSink

func (t Tee) Emit(level domain.Level, message string, data map[string]any) {
	for _, s := range t {
		s.Emit(level, message, data)
	}
}

func (t Tee) Finish() {
	for _, s := range t {
		s.Finish()
	}
}
