package ingestion

import (
	"ApolloLedger/internal/event"
	"fmt"
	"strings"
)

// CommandSubjectPrefix is the root of every inbound command subject:
// apollo.cmd.<token>.<anything>.
const CommandSubjectPrefix = "apollo.cmd."

// commandTokens maps subject tokens to the command they carry.
var commandTokens = map[string]event.EventType{
	"initialize":       event.EventTypeProtocolInitialized,
	"rotate_authority": event.EventTypeAuthorityRotated,
	"update_params":    event.EventTypeParamsUpdated,
	"create_policy":    event.EventTypePolicyCreated,
	"fund_wallet":      event.EventTypeWalletFunded,
	"enroll":           event.EventTypeMemberEnrolled,
	"pay_premium":      event.EventTypePremiumPaid,
	"stake":            event.EventTypeAphStaked,
	"unstake":          event.EventTypeAphUnstaked,
	"submit_claim":     event.EventTypeClaimSubmitted,
	"approve_claim":    event.EventTypeClaimApproved,
	"deny_claim":       event.EventTypeClaimDenied,
}

// CommandToken returns the subject token for a command type.
func CommandToken(et event.EventType) (string, bool) {
	for tok, t := range commandTokens {
		if t == et {
			return tok, true
		}
	}
	return "", false
}

// CommandSubject builds the subject a producer publishes a command on.
// Key is appended as the last token so a stream can be inspected per caller.
func CommandSubject(et event.EventType, key string) (string, error) {
	tok, ok := CommandToken(et)
	if !ok {
		return "", fmt.Errorf("no command subject for %s", et)
	}
	return CommandSubjectPrefix + tok + "." + key, nil
}

// CommandType resolves the command type from an inbound subject.
func CommandType(subject string) (event.EventType, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("subject %q is not a command subject", subject)
	}
	tok, _, _ := strings.Cut(rest, ".")
	et, ok := commandTokens[tok]
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("subject %q: unknown command %q", subject, tok)
	}
	return et, nil
}

// ParseRawEvent converts a raw message into a typed command. The subject
// selects the command; the body is the command's JSON encoding.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et, err := CommandType(raw.Subject)
	if err != nil {
		return nil, err
	}
	return event.Decode(et, raw.Data)
}
