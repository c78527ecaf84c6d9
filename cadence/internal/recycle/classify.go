package recycle

import (
	"strings"
	"unicode"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// Keyword lists are matched on whole words after case and accent folding,
// so "Guía" matches "guia". Checked in order: guide, seasonal, durable.
var (
	guideKeywords = []string{
		"guia", "guide", "como hacer", "como elegir", "how to", "tutorial", "paso a paso", "step by step",
		"consejos", "tips", "manual", "trucos", "aprende", "learn",
	}
	seasonalKeywords = []string{
		"navidad", "christmas", "verano", "summer", "invierno", "winter",
		"primavera", "spring", "otono", "autumn", "halloween", "ano nuevo",
		"new year", "san valentin", "valentine", "semana santa", "easter",
		"vacaciones", "holidays", "regreso a clases", "back to school",
		"black friday", "buen fin", "dia de muertos", "mundial", "world cup",
	}
	durableKeywords = []string{
		"historia", "history", "analisis", "analysis", "perfil", "profile",
		"entrevista", "interview", "explicado", "explained", "que es", "what is",
		"ranking", "mejores", "best", "claves", "reportaje", "cronologia", "timeline",
	}
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// ClassifyRecycleType derives the recycle type of an article from its title
// and summary. Non evergreen/blog content is not recyclable.
func ClassifyRecycleType(a *model.Article) model.RecycleType {
	switch a.ContentType {
	case model.Evergreen, model.Blog:
	default:
		return model.NotRecyclable
	}

	text := normalize(a.Title + "\n" + summaryText(a.Summary))
	switch {
	case matchesAny(text, guideKeywords):
		return model.PureEvergreen
	case matchesAny(text, seasonalKeywords):
		return model.SeasonalEvergreen
	case matchesAny(text, durableKeywords):
		return model.Durable
	case a.ContentType == model.Evergreen:
		return model.PureEvergreen
	default:
		return model.Durable
	}
}

// summaryText renders an HTML summary as Markdown so tags and attributes
// never produce keyword hits. Plain text passes through.
func summaryText(summary string) string {
	if !strings.ContainsRune(summary, '<') {
		return summary
	}
	md, err := mdConverter.ConvertString(summary)
	if err != nil {
		return summary
	}
	return md
}

// normalize folds case, strips diacritics and collapses every run of
// non-alphanumerics into one space, padding the result with spaces.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, cases.Fold().String(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

func matchesAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, " "+k+" ") {
			return true
		}
	}
	return false
}
