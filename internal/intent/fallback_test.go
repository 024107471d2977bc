package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackSpanish(t *testing.T) {
	cases := []struct {
		text string
		want Intent
	}{
		{"Confirmo", Confirm},
		{"Sí, confirmo mi cita", Confirm},
		{"Ok, voy", Confirm},
		{"Asistiré", Confirm},
		{"Si, iré", Confirm},
		{"confirmo mi hora", Confirm},
		{"Cancelo", Cancel},
		{"No puedo asistir", Cancel},
		{"No voy a ir", Cancel},
		{"Quiero cancelar", Cancel},
		{"NO ASISTIRÉ", Cancel},
		{"¿Puedo cambiar la hora?", Reschedule},
		{"Necesito reagendar", Reschedule},
		{"no puedo, me das otro día?", Reschedule},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := Fallback(tc.text, "es")
			assert.Equal(t, tc.want, got.Intent)
			assert.Equal(t, 0.7, got.Confidence)
			assert.Equal(t, SourceFallback, got.Source)
		})
	}
}

func TestFallbackUnknown(t *testing.T) {
	for _, text := range []string{"Hola", "¿Qué hora es mi cita?", "Necesito información", "Gracias", ""} {
		got := Fallback(text, "es")
		assert.Equal(t, Unknown, got.Intent, text)
		assert.Equal(t, 0.3, got.Confidence, text)
	}
}

func TestFallbackHedgedReplies(t *testing.T) {
	for _, text := range []string{
		"no estoy seguro, si puedo te aviso",
		"No sé si voy a alcanzar",
		"Tal vez, estoy viendo",
		"quizás sí",
	} {
		got := Fallback(text, "es")
		assert.Equal(t, Unknown, got.Intent, text)
		assert.Equal(t, 0.3, got.Confidence, text)
	}
	assert.Equal(t, Unknown, Fallback("Not sure yet, maybe", "en").Intent)

	// An explicit verb before the hedge still counts.
	assert.Equal(t, Cancel, Fallback("Quiero cancelar, no sé si me entiendes", "es").Intent)
	assert.Equal(t, Confirm, Fallback("Sí, estoy", "es").Intent)
}

func TestFallbackEnglish(t *testing.T) {
	assert.Equal(t, Confirm, Fallback("Yes, I'll be there", "en").Intent)
	assert.Equal(t, Cancel, Fallback("Sorry, I can't make it", "en").Intent)
	assert.Equal(t, Reschedule, Fallback("Could I reschedule?", "en").Intent)
	assert.Equal(t, Cancel, Fallback("please cancel", "").Intent)
}

func TestFallbackIsDeterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, Fallback("No voy a poder ir", "es"), Fallback("No voy a poder ir", "es"))
	}
}

func TestParseLabel(t *testing.T) {
	in, c := parseLabel(" confirm\n")
	assert.Equal(t, Confirm, in)
	assert.Equal(t, 0.9, c)

	in, _ = parseLabel("RESCHEDULE")
	assert.Equal(t, Reschedule, in)

	in, _ = parseLabel("CANCEL.")
	assert.Equal(t, Cancel, in)

	in, c = parseLabel("maybe")
	assert.Equal(t, Unknown, in)
	assert.Equal(t, 0.8, c)
}
