package ledger

import (
	"errors"
	"fmt"

	"github.com/guardedvault/quest/internal/models"
)

// ErrMalformedRecord is returned when a ledger read result cannot be decoded
// into a valid Party. Out-of-range fields are rejected, never coerced.
var ErrMalformedRecord = errors.New("ledger: malformed party record")

// RawPartyRecord is a party read result in the contract's positional form:
//
//	[memberCount, maxMembers, currentLevel, sealedReward,
//	 isActive, isCompleted, leader, startTime, endTime]
//
// Integer fields arrive as int64, sealedReward as []byte (nil before
// completion), booleans as bool, leader as string.
type RawPartyRecord []any

const rawPartyFields = 9

// DecodePartyRecord converts a positional record into a typed Party and
// validates every field against the contract bounds.
func DecodePartyRecord(partyID uint64, rec RawPartyRecord) (models.Party, error) {
	if len(rec) != rawPartyFields {
		return models.Party{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformedRecord, len(rec), rawPartyFields)
	}

	memberCount, err := intField(rec, 0, "memberCount")
	if err != nil {
		return models.Party{}, err
	}
	maxMembers, err := intField(rec, 1, "maxMembers")
	if err != nil {
		return models.Party{}, err
	}
	currentLevel, err := intField(rec, 2, "currentLevel")
	if err != nil {
		return models.Party{}, err
	}
	sealed, ok := rec[3].([]byte)
	if !ok && rec[3] != nil {
		return models.Party{}, fmt.Errorf("%w: sealedReward is %T", ErrMalformedRecord, rec[3])
	}
	isActive, err := boolField(rec, 4, "isActive")
	if err != nil {
		return models.Party{}, err
	}
	isCompleted, err := boolField(rec, 5, "isCompleted")
	if err != nil {
		return models.Party{}, err
	}
	leader, ok := rec[6].(string)
	if !ok {
		return models.Party{}, fmt.Errorf("%w: leader is %T", ErrMalformedRecord, rec[6])
	}
	startTime, err := intField(rec, 7, "startTime")
	if err != nil {
		return models.Party{}, err
	}
	endTime, err := intField(rec, 8, "endTime")
	if err != nil {
		return models.Party{}, err
	}

	p := models.Party{
		ID:           partyID,
		Leader:       leader,
		MemberCount:  int(memberCount),
		MaxMembers:   int(maxMembers),
		CurrentLevel: int(currentLevel),
		SealedReward: sealed,
		IsActive:     isActive,
		IsCompleted:  isCompleted,
		StartTime:    startTime,
		EndTime:      endTime,
	}
	if err := p.Validate(); err != nil {
		return models.Party{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return p, nil
}

// EncodePartyRecord converts a Party into the contract's positional form.
// Used by ledger implementations; the inverse of DecodePartyRecord.
func EncodePartyRecord(p models.Party) RawPartyRecord {
	return RawPartyRecord{
		int64(p.MemberCount),
		int64(p.MaxMembers),
		int64(p.CurrentLevel),
		p.SealedReward,
		p.IsActive,
		p.IsCompleted,
		p.Leader,
		p.StartTime,
		p.EndTime,
	}
}

func intField(rec RawPartyRecord, i int, name string) (int64, error) {
	v, ok := rec[i].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T", ErrMalformedRecord, name, rec[i])
	}
	return v, nil
}

func boolField(rec RawPartyRecord, i int, name string) (bool, error) {
	v, ok := rec[i].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is %T", ErrMalformedRecord, name, rec[i])
	}
	return v, nil
}
