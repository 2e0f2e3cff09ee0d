package event_test

import (
	"ApolloLedger/internal/event"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SubmitClaim(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	payload := `{
		"idempotency_key": "claim-1",
		"signer": "550e8400-e29b-41d4-a716-446655440000",
		"timestamp": "2026-01-02T03:04:05Z",
		"member_id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"amount": 250000,
		"evidence_hash": "` + hash + `"
	}`

	evt, err := event.Decode(event.EventTypeClaimSubmitted, []byte(payload))
	require.NoError(t, err)

	sc, ok := evt.(*event.SubmitClaim)
	require.True(t, ok)
	assert.Equal(t, "claim-1", sc.IdempotencyKey())
	assert.Equal(t, int64(250000), sc.Amount)
	assert.Equal(t, byte(0xab), sc.EvidenceHash[31])
	assert.Equal(t, hash, sc.EvidenceHash.String())
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing key":       `{"signer":"550e8400-e29b-41d4-a716-446655440000","timestamp":"2026-01-02T03:04:05Z","amount":1}`,
		"missing timestamp": `{"idempotency_key":"k","amount":1}`,
		"malformed json":    `{"idempotency_key":`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := event.Decode(event.EventTypeAphStaked, []byte(payload))
			assert.Error(t, err)
		})
	}

	_, err := event.Decode(event.EventTypeUnknown, []byte(`{}`))
	assert.Error(t, err)
}

func TestDecode_ShortEvidenceHash(t *testing.T) {
	payload := `{"idempotency_key":"k","timestamp":"2026-01-02T03:04:05Z","evidence_hash":"abcd"}`
	_, err := event.Decode(event.EventTypeClaimSubmitted, []byte(payload))
	assert.Error(t, err)
}

func TestParseEventType_CoversAll(t *testing.T) {
	for _, et := range event.AllEventTypes() {
		parsed, err := event.ParseEventType(et.String())
		require.NoError(t, err)
		assert.Equal(t, et, parsed)

		_, err = event.New(et)
		assert.NoError(t, err, "every listed type must be constructible")
	}
	assert.Len(t, event.AllEventTypes(), 12)

	_, err := event.ParseEventType("PolicyCancelled")
	assert.Error(t, err)
}
