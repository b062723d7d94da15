package mistral

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	bookSummaryMaxRunes    = 6000
	chapterSummaryMaxRunes = 4000
)

const bookSummarySystem = "Tu es un assistant qui rédige des résumés factuels de livres. " +
	"Tes résumés doivent être objectifs et concis. " +
	"Ne commence jamais par des phrases comme « Voici un résumé », « Ce texte parle de », etc. " +
	"Commence directement par le contenu du résumé. " +
	"Maximum 5 phrases."

const chapterSummarySystem = "Tu es un assistant qui rédige des résumés factuels de chapitres de livres. " +
	"Tes résumés doivent être objectifs et concis. " +
	"Ne commence jamais par des phrases comme « Voici un résumé », « Ce chapitre parle de », etc. " +
	"Commence directement par le contenu du résumé. " +
	"Maximum 3 phrases."

const ragSystemPreamble = "Tu es un assistant bibliothécaire. Tu dois répondre UNIQUEMENT à partir des extraits de livres fournis ci-dessous. " +
	"N'utilise JAMAIS tes connaissances générales. Si la réponse ne se trouve pas dans les extraits, dis simplement que tu ne disposes pas de cette information dans la bibliothèque. " +
	"Cite les titres des livres quand c'est pertinent."

func bookSummaryPrompt(text string) string {
	return "Résume le texte suivant en français en 5 phrases maximum :\n\n" + truncateRunes(text, bookSummaryMaxRunes)
}

func chapterSummaryPrompt(title *string, text string) string {
	label := "ce chapitre"
	if title != nil && *title != "" {
		label = `le chapitre "` + *title + `"`
	}
	return fmt.Sprintf("Résume %s en 3 phrases maximum en français :\n\n%s", label, truncateRunes(text, chapterSummaryMaxRunes))
}

func ragSystemPrompt(contextText string) string {
	return ragSystemPreamble + "\n\nExtraits :\n" + contextText
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func isBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) == -1
}
