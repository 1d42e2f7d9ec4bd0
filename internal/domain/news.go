package domain

import (
	"strings"
	"unicode"
)

// CatalystType is the closed enum of news catalyst classifications (spec §3, §6).
type CatalystType string

const (
	CatalystEarnings          CatalystType = "earnings"
	CatalystFDAApproval       CatalystType = "fda_approval"
	CatalystMergerAcquisition CatalystType = "m_and_a"
	CatalystProductLaunch     CatalystType = "product_launch"
	CatalystPartnership       CatalystType = "partnership"
	CatalystRegulatory        CatalystType = "regulatory"
	CatalystLawsuit           CatalystType = "lawsuit"
	CatalystManagementChange  CatalystType = "management_change"
	CatalystAnalystUpgrade    CatalystType = "analyst_upgrade"
	CatalystAnalystDowngrade  CatalystType = "analyst_downgrade"
	CatalystInsiderTrading    CatalystType = "insider_trading"
	CatalystGeneral           CatalystType = "general"
)

// catalystKeywords is the fixed per-catalyst keyword set from spec.md §6.
// Order matters: it is the tie-break priority when a headline matches more
// than one catalyst's keyword set (earlier wins).
var catalystKeywords = []struct {
	catalyst CatalystType
	keywords []string
}{
	{CatalystEarnings, []string{"earnings", "revenue", "profit", "eps", "guidance", "forecast"}},
	{CatalystFDAApproval, []string{"fda", "approval", "clinical", "trial", "drug", "phase"}},
	{CatalystMergerAcquisition, []string{"merger", "acquisition", "buyout", "takeover", "deal"}},
	{CatalystProductLaunch, []string{"launch", "release", "unveil", "announce", "introduce"}},
	{CatalystPartnership, []string{"partnership", "collaboration", "agreement", "contract", "joint"}},
	{CatalystRegulatory, []string{"sec", "investigation", "probe", "compliance", "regulation"}},
	{CatalystLawsuit, []string{"lawsuit", "litigation", "court", "legal", "settlement"}},
	{CatalystManagementChange, []string{"ceo", "cfo", "resign", "appoint", "hire", "fire"}},
	{CatalystAnalystUpgrade, []string{"upgrade", "buy", "outperform", "overweight", "raise"}},
	{CatalystAnalystDowngrade, []string{"downgrade", "sell", "underperform", "underweight", "cut"}},
	{CatalystInsiderTrading, []string{"insider", "buying", "selling", "transaction", "filing"}},
}

// ClassifyCatalyst matches the headline's words, case-insensitively, against
// the fixed keyword set and returns the first catalyst type with a hit, or
// CatalystGeneral if none match. Keywords match whole words only, so
// "buying" hits the insider-trading set rather than the analyst-upgrade "buy".
func ClassifyCatalyst(headline string) CatalystType {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(headline), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, entry := range catalystKeywords {
		for _, kw := range entry.keywords {
			if words[kw] {
				return entry.catalyst
			}
		}
	}
	return CatalystGeneral
}

// SentimentLabel is a closed enum for the coarse sentiment of a news event.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentNegative SentimentLabel = "negative"
)

// SourceReliability is a reputation score for a news source, shaped like a
// row of the store's source_reliability table. No engine code loads or
// refreshes it; ingest takes reliability from Source.Reliability() instead.
type SourceReliability struct {
	Source           string
	ReliabilityScore float64 // [0,1]
}

// NewsEvent is a single ingested, classified news item.
type NewsEvent struct {
	ID                int64
	SecurityID        SecurityID
	TimeID            TimeID
	Headline          string
	Source            string
	URL               string
	SentimentLabel    SentimentLabel
	SentimentScore    float64 // [-1,1]
	Relevance         float64 // [0,1]
	CatalystType      CatalystType
	ObservedImpactPct *float64 // nil until the impact loop fills it
	SourceReliability float64  // [0,1] snapshot at ingest time
	DedupKey          string   // source + (URL or headline hash)

	ImpactAttempts int // retry counter for the impact loop (spec §4.4)
}
