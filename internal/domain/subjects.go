package domain

import (
	"fmt"
	"strings"
)

// NATS Subject constants
const (
	SubjectPrefixMarket = "market"
	SubjectPrefixStatus = "status"
)

// SubjectMarketData builds market.<venue>.<kind>.<market>.
func SubjectMarketData(venue string, kind EventKind, marketID string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefixMarket, strings.ToLower(venue), kind, subjectToken(marketID))
}

// SubjectStatus builds status.<venue>.<kind>.
func SubjectStatus(venue string, kind EventKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefixStatus, strings.ToLower(venue), kind)
}

// Subject wildcard patterns for subscriptions
func SubjectPatternAllMarket(venue string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefixMarket, strings.ToLower(venue))
}

// subjectToken strips characters NATS treats as separators or wildcards.
func subjectToken(id string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToLower(r.Replace(id))
}

// Stream names
const (
	StreamMarket = "MARKET"
	StreamStatus = "STATUS"
)

// Stream subject patterns
var (
	StreamMarketSubjects = []string{"market.>"}
	StreamStatusSubjects = []string{"status.>"}
)
