package commsutil

import (
	"fmt"
	"strings"
)

// Message headers carried on every gateway RPC.
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderExchange      = "Exchange"
	HeaderRoutingKey    = "Routing-Key"
)

// BuildSubject maps an exchange and routing key onto a broker subject, e.g.
// ("team_exchange", "team.addMember") -> "team_exchange.team.addMember".
func BuildSubject(exchange, routingKey string) string {
	return fmt.Sprintf("%s.%s", exchange, routingKey)
}

// BuildExchangeWildcard returns the subject pattern matching every routing key of an exchange.
func BuildExchangeWildcard(exchange string) string {
	return exchange + ".>"
}

// SplitSubject reverses BuildSubject. Exchange names never contain dots, so the first
// segment is the exchange and the remainder is the routing key.
func SplitSubject(subject string) (exchange, routingKey string, ok bool) {
	idx := strings.Index(subject, ".")
	if idx <= 0 || idx == len(subject)-1 {
		return "", "", false
	}
	return subject[:idx], subject[idx+1:], true
}
