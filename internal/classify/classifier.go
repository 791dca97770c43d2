// Package classify filters discovered headlines for violent-death relevance.
package classify

import (
	"fmt"
	"strings"

	"github.com/jvilhena/vigia/internal/incident"
)

// murderKeywords is the Portuguese violent-death lexicon matched against
// headlines. Any hit marks the headline relevant.
var murderKeywords = []string{
	// ações
	"matou", "mataram", "assassinou", "assassinaram", "executou", "executaram",
	"atirou", "atiraram", "baleou", "balearam", "esfaqueou", "esfaquearam",
	"disparou", "dispararam", "alvejado", "alvejaram",
	"linchou", "lincharam", "estrangulou", "estrangularam",

	// resultados
	"homicídio", "assassinato", "latrocínio", "feminicídio", "chacina",
	"massacre", "execução", "morto", "morta", "mortos", "mortas",
	"cadáver", "corpo encontrado", "encontrado morto", "encontrada morta",
	"vítima fatal", "baleado", "baleada", "esfaqueado", "esfaqueada",
	"troca de tiros", "tiroteio", "confronto", "emboscada",

	// métodos
	"tiro", "tiros", "arma de fogo", "fuzil", "facada", "facadas",
	"queima-roupa", "disparo", "disparos", "bala perdida",

	// contexto
	"polícia militar", "polícia civil", "bope", "milícia", "miliciano",
	"facção", "operação policial", "divisão de homicídios",
}

// strongKeywords are unambiguous death indicators; a hit on one of these
// yields high confidence without corroboration.
var strongKeywords = []string{
	"homicídio", "assassinato", "latrocínio", "feminicídio", "chacina",
	"execução", "encontrado morto", "encontrada morta", "corpo encontrado",
	"vítima fatal", "matou", "mataram",
}

// Keyword classifies headlines against the violent-death lexicon.
type Keyword struct {
	keywords []string
	strong   []string
}

// NewKeyword builds a Keyword classifier over the default lexicon.
func NewKeyword() *Keyword {
	return &Keyword{keywords: murderKeywords, strong: strongKeywords}
}

// Classify matches a headline against the lexicon. Matching is
// case-insensitive on whole substrings; multi-word keywords anchor the
// stronger signal. Confidence is "high", "medium", or "low".
func (k *Keyword) Classify(headline string) incident.Classification {
	h := strings.ToLower(headline)

	var hits []string
	for _, kw := range k.keywords {
		if containsWord(h, kw) {
			hits = append(hits, kw)
		}
	}

	if len(hits) == 0 {
		return incident.Classification{
			Relevant:   false,
			Confidence: "high",
			Reasoning:  "no violent-death keywords in headline",
		}
	}

	for _, kw := range k.strong {
		if containsWord(h, kw) {
			return incident.Classification{
				Relevant:   true,
				Confidence: "high",
				Reasoning:  fmt.Sprintf("strong keyword %q", kw),
			}
		}
	}

	confidence := "low"
	if len(hits) >= 2 {
		confidence = "medium"
	}
	return incident.Classification{
		Relevant:   true,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("keywords: %s", strings.Join(hits, ", ")),
	}
}

// containsWord matches kw as a whole word (or phrase) inside text, so "tiro"
// does not fire on "retiro".
func containsWord(text, kw string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || isBoundary(text[start-1])
		afterOK := end == len(text) || isBoundary(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}

func isBoundary(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= '0' && b <= '9', b >= 0x80:
		// Multibyte continuation bytes count as letters; accents must not
		// split a word.
		return false
	}
	return true
}
