package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/availability"
	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/messaging"
)

const dateLayout = "2006-01-02"

func bookAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		typeID, err := uuid.Parse(req.AppointmentTypeID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_type_id", "appointment_type_id must be a valid UUID")
			return
		}

		if req.Start.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be an RFC 3339 timestamp")
			return
		}

		appt, err := svc.Book(r.Context(), booking.BookRequest{
			DoctorID:          doctorID,
			PatientID:         patientID,
			AppointmentTypeID: typeID,
			Start:             req.Start,
			Notes:             req.Notes,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Start.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "start must be an RFC 3339 timestamp")
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, req.Start)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		// The body is optional.
		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func transitionHandler(svc BookingService, event appointment.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var (
			appt *appointment.Appointment
			err  error
		)
		switch event {
		case appointment.EventConfirm:
			appt, err = svc.Confirm(r.Context(), id)
		case appointment.EventComplete:
			appt, err = svc.Complete(r.Context(), id)
		case appointment.EventNoShow:
			appt, err = svc.MarkNoShow(r.Context(), id)
		default:
			err = fmt.Errorf("%w: %s is not exposed", appointment.ErrInvalidTransition, event)
		}
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listSlotsHandler(svc BookingService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		q := r.URL.Query()
		typeID, err := uuid.Parse(q.Get("type"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_type_id", "type must be a valid UUID")
			return
		}
		from, err := time.ParseInLocation(dateLayout, q.Get("from"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be a YYYY-MM-DD date")
			return
		}
		to := from
		if v := q.Get("to"); v != "" {
			if to, err = time.ParseInLocation(dateLayout, v, loc); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_to", "to must be a YYYY-MM-DD date")
				return
			}
		}
		onlyAvailable, _ := strconv.ParseBool(q.Get("available"))

		seq, err := svc.Availability(r.Context(), doctorID, availability.DateRange{From: from, To: to}, typeID)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := SlotsResponse{DoctorID: doctorID, AppointmentTypeID: typeID, Slots: []SlotResponse{}}
		for slot, err := range seq {
			if err != nil {
				handleDomainError(w, err)
				return
			}
			if onlyAvailable && !slot.Available {
				continue
			}
			resp.Slots = append(resp.Slots, SlotResponse{Start: slot.Start, End: slot.End, Available: slot.Available})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func inboundMessageHandler(h MessageHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InboundMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		reply, err := h.Handle(r.Context(), messaging.Inbound{
			SenderID:  req.SenderID,
			Text:      req.Text,
			MessageID: req.MessageID,
			Language:  req.Language,
		})
		if errors.Is(err, messaging.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
			return
		}
		if err != nil {
			logger.Error("inbound message failed", "request_id", GetRequestID(r.Context()), "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "message could not be processed")
			return
		}

		writeJSON(w, http.StatusOK, toMessageResponse(reply))
	}
}

func classifierStateHandler(c ClassifierState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, toClassifierStateResponse(c.State()))
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentTypeNotFound):
		writeError(w, http.StatusNotFound, "appointment_type_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorInactive):
		writeError(w, http.StatusUnprocessableEntity, "doctor_inactive", err.Error())
	case errors.Is(err, appointment.ErrInvalidRange):
		writeError(w, http.StatusUnprocessableEntity, "invalid_range", err.Error())
	case errors.Is(err, appointment.ErrInvalidSlot):
		writeError(w, http.StatusUnprocessableEntity, "invalid_slot", err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrBookingTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "booking_timeout", appointment.ErrBookingTimeout.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "the request could not be completed")
	}
}
