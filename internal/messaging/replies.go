package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

var (
	weekdaysES = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}
	monthsES   = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"}
)

// formatDate renders t as "lunes 2 de marzo, 09:00" in loc.
func formatDate(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return fmt.Sprintf("%s %d de %s, %s", weekdaysES[t.Weekday()], t.Day(), monthsES[t.Month()-1], t.Format("15:04"))
}

type replies struct {
	clinic string
	loc    *time.Location
}

func (r replies) confirmed(patient, doctor string, start time.Time) string {
	return fmt.Sprintf("✅ ¡Cita CONFIRMADA!\n\nHola %s,\n\nTu cita ha sido confirmada:\n📅 Fecha: %s\n👨‍⚕️ Doctor(a): %s\n\n¡Te esperamos!\n\n%s",
		patient, formatDate(start, r.loc), doctor, r.clinic)
}

func (r replies) cancelled(patient, doctor string, start time.Time) string {
	return fmt.Sprintf("❌ Cita CANCELADA\n\nHola %s,\n\nTu cita del %s con %s ha sido cancelada.\n\n¿Deseas reagendar? Responde \"reagendar\" y te enviaremos horas disponibles.\n\n%s",
		patient, formatDate(start, r.loc), doctor, r.clinic)
}

func (r replies) alternatives(patient, doctor string, slots []appointment.Slot) string {
	if len(slots) == 0 {
		return fmt.Sprintf("🔄 Reagendar cita\n\nHola %s,\n\nNo encontramos horas disponibles con %s en los próximos días.\n\nPor favor comunícate con nosotros para buscar otra alternativa.\n\n%s",
			patient, doctor, r.clinic)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔄 Reagendar cita\n\nHola %s,\n\nEstas son las próximas horas disponibles con %s:\n", patient, doctor)
	for i, s := range slots {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatDate(s.Start, r.loc))
	}
	fmt.Fprintf(&b, "\nComunícate con nosotros indicando la hora que prefieras.\n\n%s", r.clinic)
	return b.String()
}

func (r replies) unknown() string {
	return fmt.Sprintf("🤔 No entendí tu mensaje\n\nPor favor responde:\n- \"Confirmo\" para confirmar tu cita\n- \"Cancelo\" para cancelar tu cita\n- \"Reagendar\" para cambiar la hora\n\n%s", r.clinic)
}

func (r replies) noAppointment() string {
	return fmt.Sprintf("ℹ️ No encontramos citas pendientes\n\nNo tenemos citas pendientes registradas para este número.\n\nSi necesitas ayuda, comunícate con nosotros.\n\n%s", r.clinic)
}

func (r replies) notRegistered() string {
	return fmt.Sprintf("ℹ️ Número no registrado\n\nEste número no está registrado en nuestro sistema.\n\nPor favor comunícate con nosotros para más información.\n\n%s", r.clinic)
}

func (r replies) failure() string {
	return fmt.Sprintf("❌ Error al procesar tu mensaje\n\nOcurrió un error al procesar tu solicitud. Por favor intenta nuevamente o comunícate con nosotros.\n\n%s", r.clinic)
}
