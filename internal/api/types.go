package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/breaker"
	"github.com/hackgods/clinic-scheduling/internal/messaging"
)

type BookAppointmentRequest struct {
	DoctorID          string    `json:"doctor_id"`
	PatientID         string    `json:"patient_id"`
	AppointmentTypeID string    `json:"appointment_type_id"`
	Start             time.Time `json:"start"`
	Notes             string    `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	Start time.Time `json:"start"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InboundMessageRequest struct {
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
	Language  string `json:"language,omitempty"`
}

type AppointmentResponse struct {
	ID                uuid.UUID `json:"id"`
	PatientID         uuid.UUID `json:"patient_id"`
	DoctorID          uuid.UUID `json:"doctor_id"`
	AppointmentTypeID uuid.UUID `json:"appointment_type_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	Status            string    `json:"status"`
	CalendarEventID   *string   `json:"calendar_event_id,omitempty"`
	Notes             *string   `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                a.ID,
		PatientID:         a.PatientID,
		DoctorID:          a.DoctorID,
		AppointmentTypeID: a.AppointmentTypeID,
		Start:             a.Start,
		End:               a.End,
		Status:            string(a.Status),
		CalendarEventID:   a.CalendarEventID,
		Notes:             a.Notes,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

type SlotResponse struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

type SlotsResponse struct {
	DoctorID          uuid.UUID      `json:"doctor_id"`
	AppointmentTypeID uuid.UUID      `json:"appointment_type_id"`
	Slots             []SlotResponse `json:"slots"`
}

type MessageResponse struct {
	Reply         string     `json:"reply,omitempty"`
	Intent        string     `json:"intent,omitempty"`
	Confidence    float64    `json:"confidence,omitempty"`
	Source        string     `json:"source,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Duplicate     bool       `json:"duplicate,omitempty"`
}

func toMessageResponse(r messaging.Reply) MessageResponse {
	return MessageResponse{
		Reply:         r.Text,
		Intent:        string(r.Intent),
		Confidence:    r.Confidence,
		Source:        string(r.Source),
		AppointmentID: r.AppointmentID,
		Duplicate:     r.Duplicate,
	}
}

type ClassifierStateResponse struct {
	Mode        string     `json:"mode"`
	Failures    int64      `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	NextRetry   *time.Time `json:"next_retry,omitempty"`
}

func toClassifierStateResponse(st breaker.State) ClassifierStateResponse {
	resp := ClassifierStateResponse{Mode: st.Mode.String(), Failures: st.Failures}
	if !st.LastFailure.IsZero() {
		resp.LastFailure = &st.LastFailure
	}
	if !st.NextRetry.IsZero() {
		resp.NextRetry = &st.NextRetry
	}
	return resp
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
