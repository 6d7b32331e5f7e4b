package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names used on the notification channel. Each one carries a single
// update payload of the matching variant.
const (
	EventProcessingUpdate             = "ProcessingUpdate"
	EventDocumentValidationUpdate     = "DocumentValidationUpdate"
	EventPortfolioCompletionUpdate    = "PortfolioCompletionUpdate"
	EventCompanyHouseValidationUpdate = "CompanyHouseValidationUpdate"
	EventProcessingCompleteUpdate     = "ProcessingCompleteUpdate"
)

// UpdateEvents lists every event the tracker subscribes to.
var UpdateEvents = []string{
	EventProcessingUpdate,
	EventDocumentValidationUpdate,
	EventPortfolioCompletionUpdate,
	EventCompanyHouseValidationUpdate,
	EventProcessingCompleteUpdate,
}

// IsUpdateEvent reports whether event names one of the update variants.
func IsUpdateEvent(event string) bool {
	for _, e := range UpdateEvents {
		if e == event {
			return true
		}
	}
	return false
}

// Update is implemented by the envelope and every specialised variant.
type Update interface {
	Envelope() *UpdateMessage
	Event() string
	Headline() string
}

// UpdateMessage is the envelope every processing update shares.
type UpdateMessage struct {
	SessionID    string          `json:"sessionId" validate:"omitempty,max=128"`
	StatusText   string          `json:"statusText,omitempty"`
	HumanMessage string          `json:"humanMessage,omitempty"`
	Progress     int             `json:"progress" validate:"gte=0,lte=100"`
	Timestamp    time.Time       `json:"timestampUtc"`
	StepKind     StepKind        `json:"stepKind"`
	StepStatus   StepStatus      `json:"stepStatus"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	// IsPhaseStart, when present, overrides the message-prefix convention.
	IsPhaseStart *bool `json:"isPhaseStart,omitempty"`
}

// Envelope returns the shared envelope.
func (m *UpdateMessage) Envelope() *UpdateMessage { return m }

// Event returns the event name a bare envelope travels under.
func (m *UpdateMessage) Event() string { return EventProcessingUpdate }

// Headline is the status line shown for a generic update.
func (m *UpdateMessage) Headline() string {
	return fmt.Sprintf("Processing: %s (%d%%)", m.HumanMessage, m.Progress)
}

// DocumentValidationUpdate reports the outcome of validating the uploaded files.
type DocumentValidationUpdate struct {
	UpdateMessage
	TotalDocuments   int      `json:"totalDocuments" validate:"gte=0"`
	ValidDocuments   int      `json:"validDocuments" validate:"gte=0"`
	InvalidDocuments int      `json:"invalidDocuments" validate:"gte=0"`
	ValidFileNames   []string `json:"validFileNames,omitempty"`
	InvalidFileNames []string `json:"invalidFileNames,omitempty"`
}

// Event returns EventDocumentValidationUpdate.
func (u *DocumentValidationUpdate) Event() string { return EventDocumentValidationUpdate }

// Headline summarises the valid and invalid document counts.
func (u *DocumentValidationUpdate) Headline() string {
	return fmt.Sprintf("Document Validation: %d valid, %d invalid out of %d total (%d%%)",
		u.ValidDocuments, u.InvalidDocuments, u.TotalDocuments, u.Progress)
}

// PortfolioCompletionUpdate reports whether portfolio data was extracted.
type PortfolioCompletionUpdate struct {
	UpdateMessage
	HasPortfolioData bool   `json:"hasPortfolioData"`
	CompanyName      string `json:"companyName,omitempty"`
	PropertyCount    int    `json:"propertyCount" validate:"gte=0"`
}

// Event returns EventPortfolioCompletionUpdate.
func (u *PortfolioCompletionUpdate) Event() string { return EventPortfolioCompletionUpdate }

// Headline summarises the extracted portfolio data.
func (u *PortfolioCompletionUpdate) Headline() string {
	return fmt.Sprintf("Portfolio Validation: %s portfolio data, Company: %s, Properties: %d (%d%%)",
		foundLabel(u.HasPortfolioData), orNA(u.CompanyName), u.PropertyCount, u.Progress)
}

// CompanyHouseValidationUpdate reports the company registry lookup.
type CompanyHouseValidationUpdate struct {
	UpdateMessage
	HasCompanyData bool   `json:"hasCompanyData"`
	CompanyNumber  string `json:"companyNumber,omitempty"`
	ChargeCount    int    `json:"chargeCount" validate:"gte=0"`
}

// Event returns EventCompanyHouseValidationUpdate.
func (u *CompanyHouseValidationUpdate) Event() string { return EventCompanyHouseValidationUpdate }

// Headline summarises the company registry lookup.
func (u *CompanyHouseValidationUpdate) Headline() string {
	return fmt.Sprintf("Company House Validation: %s company data, Company Number: %s, Charges: %d (%d%%)",
		foundLabel(u.HasCompanyData), orNA(u.CompanyNumber), u.ChargeCount, u.Progress)
}

// ProcessingCompleteUpdate is the terminal update of a session.
type ProcessingCompleteUpdate struct {
	UpdateMessage
	ProcessingTime string  `json:"processingTime,omitempty"`
	Success        bool    `json:"success"`
	ErrorMessage   *string `json:"errorMessage,omitempty"`
}

// Event returns EventProcessingCompleteUpdate.
func (u *ProcessingCompleteUpdate) Event() string { return EventProcessingCompleteUpdate }

// Headline reports the final outcome and processing time.
func (u *ProcessingCompleteUpdate) Headline() string {
	outcome := "Successfully completed"
	if !u.Success {
		outcome = "Failed"
	}
	return fmt.Sprintf("Processing Complete: %s in %s (%d%%)", outcome, orNA(u.ProcessingTime), u.Progress)
}

// Failed reports whether the backend flagged the whole run as failed.
func (u *ProcessingCompleteUpdate) Failed() bool {
	return u.StepStatus == StatusFailure || (!u.Success && u.ErrorMessage != nil && *u.ErrorMessage != "")
}

// DecodeUpdate parses payload as the variant that event carries. A typed
// variant that omits stepKind reports on its own step.
func DecodeUpdate(event string, payload []byte) (Update, error) {
	var (
		u    Update
		kind StepKind
	)
	switch event {
	case EventProcessingUpdate:
		u = &UpdateMessage{}
	case EventDocumentValidationUpdate:
		u, kind = &DocumentValidationUpdate{}, StepDocumentValidation
	case EventPortfolioCompletionUpdate:
		u, kind = &PortfolioCompletionUpdate{}, StepPortfolioCompletion
	case EventCompanyHouseValidationUpdate:
		u, kind = &CompanyHouseValidationUpdate{}, StepCompanyHouseValidation
	case EventProcessingCompleteUpdate:
		u, kind = &ProcessingCompleteUpdate{}, StepProcessingComplete
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	if len(payload) == 0 {
		return nil, &MessageDecodeError{Event: event, Err: errEmptyPayload}
	}
	if err := json.Unmarshal(payload, u); err != nil {
		return nil, &MessageDecodeError{Event: event, Err: err}
	}
	if env := u.Envelope(); env.StepKind == "" {
		env.StepKind = kind
	}
	return u, nil
}

func foundLabel(found bool) string {
	if found {
		return "Found"
	}
	return "Not found"
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
