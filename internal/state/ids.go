package state

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// idNamespace scopes every derived identifier. Ids are name-based (v5) so the
// same command stream always yields the same ids.
var idNamespace = uuid.MustParse("3b0c8f4e-2a71-5d6e-b9c3-7f1e0a4d2c58")

func deriveID(kind string, parts ...[]byte) uuid.UUID {
	name := make([]byte, 0, len(kind)+len(parts)*16)
	name = append(name, kind...)
	for _, p := range parts {
		name = append(name, ':')
		name = append(name, p...)
	}
	return uuid.NewSHA1(idNamespace, name)
}

func uint64LE(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// PolicyID derives a policy id from the config's policy counter.
func PolicyID(number uint64) uuid.UUID {
	return deriveID("policy", uint64LE(number))
}

// MemberID derives the id of an owner's enrollment in a policy. Each
// re-enrollment after a lapse bumps the generation.
func MemberID(owner, policyID uuid.UUID, generation uint32) uuid.UUID {
	return deriveID("member", owner[:], policyID[:], uint64LE(uint64(generation)))
}

// StakeID derives the single stake record of an owner.
func StakeID(owner uuid.UUID) uuid.UUID {
	return deriveID("stake", owner[:])
}

// ClaimID derives a claim id from its member and per-member sequence index.
func ClaimID(memberID uuid.UUID, index uint32) uuid.UUID {
	return deriveID("claim", memberID[:], uint64LE(uint64(index)))
}
