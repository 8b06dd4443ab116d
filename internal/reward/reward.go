// Package reward computes a party's reward total from its progress facts.
// The policy is deliberately deterministic: the value is sealed before it
// leaves the process, so an auditor must be able to re-derive it later from
// the same level and member count.
package reward

import (
	"errors"
	"fmt"

	"github.com/guardedvault/quest/internal/models"
	"github.com/guardedvault/quest/internal/sealing"
)

// Default policy constants, matching the contract's reward schedule.
const (
	DefaultBase           = 1000
	DefaultPerMemberBonus = 100
)

// ErrRange is returned when an input is outside its documented bound.
// Out-of-range inputs fail loudly instead of silently wrapping.
var ErrRange = errors.New("reward: input out of range")

// Calculator derives reward totals with a fixed linear policy:
//
//	reward = base*level + memberCount*perMemberBonus
type Calculator struct {
	base           uint64
	perMemberBonus uint64
}

// NewCalculator builds a calculator with the given policy constants.
// Both constants must be positive.
func NewCalculator(base, perMemberBonus uint64) (*Calculator, error) {
	if base == 0 || perMemberBonus == 0 {
		return nil, fmt.Errorf("reward: policy constants must be positive (base=%d bonus=%d)", base, perMemberBonus)
	}
	return &Calculator{base: base, perMemberBonus: perMemberBonus}, nil
}

// Compute returns the reward total for a party at the given level with the
// given member count. Identical inputs always yield identical output.
func (c *Calculator) Compute(level, memberCount int) (uint64, error) {
	if level < 1 || level > models.MaxLevel {
		return 0, fmt.Errorf("%w: level %d outside 1..%d", ErrRange, level, models.MaxLevel)
	}
	if memberCount < 1 || memberCount > models.MaxPartySize {
		return 0, fmt.Errorf("%w: memberCount %d outside 1..%d", ErrRange, memberCount, models.MaxPartySize)
	}

	total := c.base*uint64(level) + uint64(memberCount)*c.perMemberBonus
	if total > sealing.MaxReward {
		return 0, fmt.Errorf("%w: total %d exceeds reward bound %d", ErrRange, total, uint64(sealing.MaxReward))
	}
	return total, nil
}
