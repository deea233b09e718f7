package fabric

import (
	"regexp"
	"strconv"
	"strings"
)

// extractor pairs a task-text keyword with the regex used to pull a numeric
// fact out of a worker_result payload, and the state key the fact is filed
// under (§4.2 "passive state extraction").
type extractor struct {
	keyword  string
	pattern  *regexp.Regexp
	stateKey string
}

var extractors = []extractor{
	{
		keyword:  "price",
		pattern:  regexp.MustCompile(`(?i)price[^0-9$]{0,10}\$?([0-9]+(?:\.[0-9]+)?)`),
		stateKey: "market_price_usd",
	},
	{
		keyword:  "market",
		pattern:  regexp.MustCompile(`(?i)market\s*cap[^0-9$]{0,10}\$?([0-9,]+(?:\.[0-9]+)?)`),
		stateKey: "market_cap_usd",
	},
	{
		keyword:  "fear",
		pattern:  regexp.MustCompile(`(?i)fear\s*(?:&|and)\s*greed[^0-9]{0,10}([0-9]{1,3})`),
		stateKey: "fear_greed_index",
	},
	{
		keyword:  "treasury",
		pattern:  regexp.MustCompile(`(?i)(?:balance|treasury)[^0-9$]{0,10}\$?([0-9,]+(?:\.[0-9]+)?)`),
		stateKey: "treasury_balance_usd",
	},
	{
		keyword:  "holder",
		pattern:  regexp.MustCompile(`(?i)([0-9,]+)\s*holders`),
		stateKey: "holder_count",
	},
	{
		keyword:  "telegram",
		pattern:  regexp.MustCompile(`(?i)telegram[^0-9]{0,20}([0-9,]+)\s*members`),
		stateKey: "telegram_member_count",
	},
}

// ExtractedFact is one numeric fact pulled passively out of worker output.
type ExtractedFact struct {
	StateKey string
	Value    string
}

// ExtractPassiveFacts scans a worker_result's textual result for well-known
// keyword/regex pairs, independent of whether the message also triggers an
// LLM loop. Facts are only extracted for the keywords actually present in
// taskText, so an unrelated worker result does not overwrite stale state
// with a false match.
func ExtractPassiveFacts(taskText, result string) []ExtractedFact {
	lowerTask := strings.ToLower(taskText)
	var facts []ExtractedFact
	for _, ex := range extractors {
		if !strings.Contains(lowerTask, ex.keyword) {
			continue
		}
		m := ex.pattern.FindStringSubmatch(result)
		if len(m) < 2 {
			continue
		}
		value := strings.ReplaceAll(m[1], ",", "")
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			continue
		}
		facts = append(facts, ExtractedFact{StateKey: ex.stateKey, Value: value})
	}
	return facts
}
