package pipeline

// Participant-facing status lines, keyed by ISO-639-1 language. Anything not
// covered falls back to English; the model handles the long tail of languages
// in its own replies, these are only the out-of-band notices the orchestrator
// sends itself.

var greetings = map[string]string{
	"en": "Hi! I can help you find flights. Where would you like to go?",
	"es": "¡Hola! Puedo ayudarte a encontrar vuelos. ¿A dónde te gustaría ir?",
	"fr": "Bonjour ! Je peux vous aider à trouver des vols. Où souhaitez-vous aller ?",
	"de": "Hallo! Ich helfe Ihnen gern bei der Flugsuche. Wohin möchten Sie reisen?",
}

var welcomeBacks = map[string]string{
	"en": "Welcome back! Shall we pick up where we left off?",
	"es": "¡Bienvenido de nuevo! ¿Continuamos donde lo dejamos?",
	"fr": "Bon retour ! On reprend là où nous en étions ?",
	"de": "Willkommen zurück! Machen wir dort weiter, wo wir aufgehört haben?",
}

var thinkingTexts = map[string]string{
	"en": "Thinking…",
	"es": "Pensando…",
	"fr": "Je réfléchis…",
	"de": "Einen Moment…",
}

var searchingTexts = map[string]string{
	"en": "Searching for flights…",
	"es": "Buscando vuelos…",
	"fr": "Recherche de vols…",
	"de": "Flüge werden gesucht…",
}

var stillWorkingTexts = map[string]string{
	"en": "One moment, this is taking a little longer than usual…",
	"es": "Un momento, esto está tardando un poco más de lo habitual…",
	"fr": "Un instant, cela prend un peu plus de temps que prévu…",
	"de": "Einen Moment, das dauert etwas länger als gewöhnlich…",
}

var apologies = map[string]string{
	"en": "I'm sorry, something went wrong on my end. Could you say that again?",
	"es": "Lo siento, algo salió mal por mi parte. ¿Podrías repetirlo?",
	"fr": "Désolé, un problème est survenu de mon côté. Pouvez-vous répéter ?",
	"de": "Entschuldigung, bei mir ist etwas schiefgelaufen. Können Sie das wiederholen?",
}

func localized(table map[string]string, lang string) string {
	if s, ok := table[lang]; ok {
		return s
	}
	return table["en"]
}

func greetingText(lang string, created bool) string {
	if created {
		return localized(greetings, lang)
	}
	return localized(welcomeBacks, lang)
}

func thinkingText(lang string) string     { return localized(thinkingTexts, lang) }
func searchingText(lang string) string    { return localized(searchingTexts, lang) }
func stillWorkingText(lang string) string { return localized(stillWorkingTexts, lang) }
func apologyText(lang string) string      { return localized(apologies, lang) }
