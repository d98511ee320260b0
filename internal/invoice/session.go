package invoice

import (
	"errors"
	"fmt"
	"time"

	"github.com/zombor/danfe-handoff/internal/scanning"
)

// ErrInvalidTransition is returned when an event is not allowed in the session's current state
var ErrInvalidTransition = errors.New("invalid session transition")

// State is where a session is in the capture/handoff flow
type State int

const (
	StateIdle            State = iota // nothing submitted yet; an image may be pending
	StateExtracting                   // extraction call in flight
	StateExtractedDirect              // record shown without a code
	StateCodeIssued                   // record persisted, only the code is shown
	StateAwaitingCode                 // waiting for the user to type a code
	StateRedeemed                     // code exchanged for a record
	StateFailed                       // current attempt over; Reset to start again
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateExtracting:      "extracting",
	StateExtractedDirect: "extracted",
	StateCodeIssued:      "code_issued",
	StateAwaitingCode:    "awaiting_code",
	StateRedeemed:        "redeemed",
	StateFailed:          "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FailureReason classifies why a session ended up in StateFailed
type FailureReason string

const (
	ReasonExtraction    FailureReason = "extraction_error"
	ReasonRateLimited   FailureReason = "rate_limited"
	ReasonQuotaExceeded FailureReason = "quota_exceeded"
	ReasonStorage       FailureReason = "storage_error"
	ReasonCodeNotFound  FailureReason = "code_not_found"
	ReasonCodeExpired   FailureReason = "code_expired"
)

type pendingImage struct {
	data        []byte
	contentType string
}

// Session is the state of one user's flow. It is not safe for concurrent
// use; a session runs one extraction or redemption at a time.
type Session struct {
	device     DeviceClass
	flowDevice DeviceClass // device class captured when the current flow started

	state  State
	image  *pendingImage
	record *scanning.InvoiceData

	code      string
	expiresAt time.Time

	reason FailureReason
	err    error
}

// NewSession starts an idle session for a device class
func NewSession(device DeviceClass) *Session {
	return &Session{device: device, state: StateIdle}
}

// State returns the current state
func (s *Session) State() State { return s.state }

// Device returns the latest device class signal
func (s *Session) Device() DeviceClass { return s.device }

// Record returns the extracted record when the session may display it.
// A CodeIssued session never exposes its record.
func (s *Session) Record() *scanning.InvoiceData {
	if s.state == StateExtractedDirect || s.state == StateRedeemed {
		return s.record
	}
	return nil
}

// Code returns the issued access code and its expiry, if any
func (s *Session) Code() (string, time.Time) {
	return s.code, s.expiresAt
}

// Failure returns the reason and error of a failed session
func (s *Session) Failure() (FailureReason, error) {
	return s.reason, s.err
}

// SelectImage stages an image for extraction. The state stays Idle until
// the image is submitted. A session waiting for a code may switch to capture.
func (s *Session) SelectImage(data []byte, contentType string) error {
	if s.state != StateIdle && s.state != StateAwaitingCode {
		return fmt.Errorf("%w: select image in state %s", ErrInvalidTransition, s.state)
	}
	if len(data) == 0 {
		return errors.New("empty image")
	}
	s.state = StateIdle
	s.image = &pendingImage{data: data, contentType: contentType}
	return nil
}

// AwaitCode puts an idle session in the redeeming position
func (s *Session) AwaitCode() error {
	switch s.state {
	case StateAwaitingCode:
		return nil
	case StateIdle:
		s.image = nil
		s.state = StateAwaitingCode
		return nil
	}
	return fmt.Errorf("%w: await code in state %s", ErrInvalidTransition, s.state)
}

// UpdateDevice records a new device class signal. A flow already in progress
// keeps the class it started with.
func (s *Session) UpdateDevice(device DeviceClass) {
	s.device = device
}

// Reset discards everything held in memory and returns to Idle. Persisted
// records are untouched. An in-flight extraction cannot be reset; cancel its
// context instead.
func (s *Session) Reset() error {
	if s.state == StateExtracting {
		return fmt.Errorf("%w: reset while extracting", ErrInvalidTransition)
	}
	*s = Session{device: s.device, state: StateIdle}
	return nil
}

// beginExtraction moves a session with a pending image to Extracting
func (s *Session) beginExtraction() (*pendingImage, DeviceClass, error) {
	if s.state != StateIdle || s.image == nil {
		return nil, "", fmt.Errorf("%w: submit in state %s", ErrInvalidTransition, s.state)
	}
	s.state = StateExtracting
	s.flowDevice = s.device
	return s.image, s.flowDevice, nil
}

func (s *Session) extractedDirect(record *scanning.InvoiceData) {
	s.state = StateExtractedDirect
	s.record = record
}

func (s *Session) codeIssued(record *AccessCodeRecord) {
	s.state = StateCodeIssued
	s.record = &record.Payload
	s.code = record.Code
	s.expiresAt = record.ExpiresAt
}

func (s *Session) beginRedeem() error {
	if s.state != StateAwaitingCode {
		return fmt.Errorf("%w: redeem in state %s", ErrInvalidTransition, s.state)
	}
	return nil
}

func (s *Session) redeemed(record *AccessCodeRecord) {
	s.state = StateRedeemed
	s.record = &record.Payload
	s.code = record.Code
	s.expiresAt = record.ExpiresAt
}

func (s *Session) fail(reason FailureReason, err error) {
	s.state = StateFailed
	s.reason = reason
	s.err = err
}

// SessionView is the JSON shape of a session returned to clients
type SessionView struct {
	State          string                `json:"state"`
	Device         DeviceClass           `json:"device"`
	Code           string                `json:"code,omitempty"`
	ExpiresAt      *time.Time            `json:"expiresAt,omitempty"`
	Data           *scanning.InvoiceData `json:"data,omitempty"`
	AccessKeyValid *bool                 `json:"accessKeyValid,omitempty"`
	Reason         FailureReason         `json:"reason,omitempty"`
}

// View snapshots the session for display
func (s *Session) View() SessionView {
	v := SessionView{
		State:  s.state.String(),
		Device: s.device,
		Reason: s.reason,
	}
	if s.state == StateCodeIssued || s.state == StateRedeemed {
		if s.state == StateCodeIssued {
			v.Code = s.code
		}
		expiresAt := s.expiresAt
		v.ExpiresAt = &expiresAt
	}
	if record := s.Record(); record != nil {
		v.Data = record
		valid := record.AccessKeyValid()
		v.AccessKeyValid = &valid
	}
	return v
}
