/*
Package stage defines the canonical sales funnel vocabulary.

PURPOSE:
  The CRM accumulated several stage vocabularies over the years: legacy
  Portuguese labels, English labels, and ad hoc aliases. Every record
  entering the metrics pipeline is normalized into a single closed stage
  set here, so the aggregation logic can switch exhaustively over known
  values instead of comparing raw strings.

CANONICAL SET:
  leads -> qualification -> proposal -> negotiation -> closing -> won/lost

NORMALIZATION:
  Normalize() lowercases the label, resolves known aliases, and falls back
  to Leads for anything unrecognized. Normalization happens once, at the
  ingestion boundary; everything downstream works with Stage values.

SEE ALSO:
  - metrics/engine.go: consumes normalized stages during aggregation
*/
package stage

import "strings"

// Stage is a canonical funnel stage.
type Stage string

const (
	Leads         Stage = "leads"
	Qualification Stage = "qualification"
	Proposal      Stage = "proposal"
	Negotiation   Stage = "negotiation"
	Closing       Stage = "closing"
	Won           Stage = "won"
	Lost          Stage = "lost"
)

// All lists the canonical stages in funnel order.
var All = []Stage{Leads, Qualification, Proposal, Negotiation, Closing, Won, Lost}

// aliases maps every known label (legacy Portuguese and English) to its
// canonical stage. Lookup keys are lowercase.
var aliases = map[string]Stage{
	"lead":         Leads,
	"leads":        Leads,
	"qualificado":  Qualification,
	"qualificacao": Qualification,
	"qualification": Qualification,
	"proposta":    Proposal,
	"proposal":    Proposal,
	"negociacao":  Negotiation,
	"negotiation": Negotiation,
	"fechamento":  Closing,
	"closing":     Closing,
	"ganho":       Won,
	"won":         Won,
	"perdido":     Lost,
	"lost":        Lost,
}

// Normalize maps a raw stage label to its canonical stage.
// Unknown or empty labels fall back to Leads.
func Normalize(label string) Stage {
	if s, ok := aliases[strings.ToLower(strings.TrimSpace(label))]; ok {
		return s
	}
	return Leads
}

// IsTerminal reports whether the stage ends the funnel (won or lost).
func (s Stage) IsTerminal() bool {
	return s == Won || s == Lost
}

// Valid reports whether s is one of the canonical stages.
func (s Stage) Valid() bool {
	switch s {
	case Leads, Qualification, Proposal, Negotiation, Closing, Won, Lost:
		return true
	}
	return false
}

func (s Stage) String() string { return string(s) }
