package autosave

import (
	"encoding/json"
	"reflect"
	"sync"
)

// SaveStatus is the save-state indicator surfaced to the console UI.
type SaveStatus string

const (
	StatusSaved   SaveStatus = "saved"
	StatusSaving  SaveStatus = "saving"
	StatusUnsaved SaveStatus = "unsaved"
	StatusError   SaveStatus = "error"
)

// ConsoleState is the authoritative cell holding the editable draft config,
// the last server-confirmed config, and the save status. Edit handlers write
// only the draft (via SetDraft); status and the confirmed baseline are
// written only by the autosave and lifecycle controllers. A console holds
// one cell per independently saved config (page draft, widget config).
type ConsoleState struct {
	mu        sync.Mutex
	draft     json.RawMessage
	confirmed json.RawMessage
	status    SaveStatus
	saveErr   *SaveError

	onStatus func(SaveStatus, *SaveError)
	onDraft  func(json.RawMessage)
}

// NewConsoleState constructs a cell with no draft and no confirmed baseline.
// onStatus, when non-nil, observes every status transition.
func NewConsoleState(onStatus func(SaveStatus, *SaveError)) *ConsoleState {
	return &ConsoleState{
		status:   StatusSaved,
		onStatus: onStatus,
	}
}

// SetDraft records a user edit and notifies the attached controller. This is
// the only mutation path UI edit handlers may use.
func (s *ConsoleState) SetDraft(config json.RawMessage) {
	copied := cloneRaw(config)
	s.mu.Lock()
	s.draft = copied
	onDraft := s.onDraft
	s.mu.Unlock()
	if onDraft != nil {
		onDraft(copied)
	}
}

// Draft returns the current draft config.
func (s *ConsoleState) Draft() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRaw(s.draft)
}

// Confirmed returns the last server-confirmed config, nil before the initial
// server load completes.
func (s *ConsoleState) Confirmed() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRaw(s.confirmed)
}

// Status returns the current save status.
func (s *ConsoleState) Status() SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the SaveError present while status is StatusError, or nil.
func (s *ConsoleState) Err() *SaveError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr == nil {
		return nil
	}
	copied := *s.saveErr
	return &copied
}

// attachController installs the draft observer; called once by the
// controller that owns this cell.
func (s *ConsoleState) attachController(onDraft func(json.RawMessage)) {
	s.mu.Lock()
	s.onDraft = onDraft
	s.mu.Unlock()
}

func (s *ConsoleState) detachController() {
	s.mu.Lock()
	s.onDraft = nil
	s.mu.Unlock()
}

// setConfirmed records the server-confirmed value. Status is not touched;
// the controller sequences status transitions itself.
func (s *ConsoleState) setConfirmed(config json.RawMessage) {
	s.mu.Lock()
	s.confirmed = cloneRaw(config)
	s.mu.Unlock()
}

// replaceDraft overwrites the draft without notifying the controller; used
// when the server dictates the new draft (revert, rollback, reset).
func (s *ConsoleState) replaceDraft(config json.RawMessage) {
	s.mu.Lock()
	s.draft = cloneRaw(config)
	s.mu.Unlock()
}

func (s *ConsoleState) setStatus(status SaveStatus, saveErr *SaveError) {
	s.mu.Lock()
	changed := s.status != status || (saveErr == nil) != (s.saveErr == nil)
	s.status = status
	s.saveErr = saveErr
	onStatus := s.onStatus
	s.mu.Unlock()
	if changed && onStatus != nil {
		onStatus(status, saveErr)
	}
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	if value == nil {
		return nil
	}
	return append(json.RawMessage(nil), value...)
}

// configEqual reports structural equality of two JSON configs, so formatting
// and key order differences never count as unsaved changes.
func configEqual(left, right json.RawMessage) bool {
	if len(left) == 0 || len(right) == 0 {
		return len(left) == 0 && len(right) == 0
	}
	var parsedLeft, parsedRight any
	if err := json.Unmarshal(left, &parsedLeft); err != nil {
		return false
	}
	if err := json.Unmarshal(right, &parsedRight); err != nil {
		return false
	}
	return reflect.DeepEqual(parsedLeft, parsedRight)
}
