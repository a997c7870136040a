// Package audit persists every evaluated Decision as one canonical JSON
// line in an append-only file, and replays those lines back for audit and
// replay tooling.
//
// Writes use O_APPEND so concurrent processes never interleave mid-line,
// and each line is flushed and fsynced individually: a crash can only ever
// lose the single in-flight line, never corrupt a prior one. The reader
// tolerates a truncated trailing line left by exactly that kind of crash.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"policygate-capital/internal/canonical"
	"policygate-capital/internal/model"
)

// EngineVersion is stamped onto every audit event so replayed events can be
// cross-checked against the engine build that produced them.
const EngineVersion = "0.1"

// Event is one audited evaluation: the inputs that produced a Decision,
// the Decision itself, and bookkeeping metadata. Self-contained: replaying
// an Event needs nothing beyond the event and the policy it names.
type Event struct {
	EventID       string               `json:"event_id"`
	Timestamp     time.Time            `json:"timestamp"`
	EngineVersion string               `json:"engine_version"`
	PolicyHash    string               `json:"policy_hash"`
	RunID         string               `json:"run_id,omitempty"`
	Intent        model.OrderIntent    `json:"intent"`
	Portfolio     model.PortfolioState `json:"portfolio_state"`
	Market        model.MarketSnapshot `json:"market_snapshot"`
	Execution     model.ExecutionState `json:"execution_state"`
	Decision      model.Decision       `json:"decision"`
}

// Writer appends Events to a JSONL file, one canonical line per call.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens (creating if necessary) the audit log at path for
// appending.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Write assigns an event_id if the event doesn't already carry one, then
// appends the canonical JSON encoding followed by a newline, fsyncing
// before returning.
func (w *Writer) Write(evt Event) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EngineVersion == "" {
		evt.EngineVersion = EngineVersion
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	line, err := canonical.MarshalLine(evt)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll reads every complete Event from path in file order. A truncated
// final line (the tail of a write interrupted mid-fsync, i.e. one with no
// trailing newline) is silently dropped rather than treated as an error.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			complete := err == nil
			trimmed := line
			if complete {
				trimmed = line[:len(line)-1]
			}
			if complete && len(trimmed) > 0 {
				var evt Event
				if decodeErr := json.Unmarshal(trimmed, &evt); decodeErr != nil {
					return nil, fmt.Errorf("audit: decode event: %w", decodeErr)
				}
				events = append(events, evt)
			}
			// An incomplete final line (err == io.EOF, no trailing
			// newline) is the tail of an interrupted write and is
			// dropped rather than decoded.
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("audit: read %s: %w", path, err)
		}
	}
	return events, nil
}
