package consensus

import (
	"github.com/tessera-net/tessera-chain/config"
)

// NextDifficulty computes the required difficulty for a block built on the
// given parent state. The rule is a per-block Homestead-style adjustment:
//
//	adjust    = prevDifficulty / DifficultyBoundDivisor
//	x         = (timestamp - parentTimestamp) / ChainTimeRange
//	magnitude = |tipsCount - x|, capped at 99
//	next      = prevDifficulty - adjust*magnitude  if x >= tipsCount (slow)
//	            prevDifficulty + adjust*magnitude  otherwise         (fast)
//
// tipsCount raises the neutral point: a block merging several tips
// represents more parallel work, so the same solve time adjusts upward
// more aggressively. The result never drops below MinimumDifficulty.
//
// Timestamps are milliseconds. A timestamp at or before the parent's
// counts as elapsed zero.
func NextDifficulty(tipsCount uint64, parentTimestamp, timestamp, prevDifficulty uint64) uint64 {
	if prevDifficulty < config.MinimumDifficulty {
		return config.MinimumDifficulty
	}
	if tipsCount == 0 {
		tipsCount = 1
	}

	var elapsed uint64
	if timestamp > parentTimestamp {
		elapsed = timestamp - parentTimestamp
	}
	x := elapsed / config.ChainTimeRange

	var magnitude uint64
	slow := x >= tipsCount
	if slow {
		magnitude = x - tipsCount
	} else {
		magnitude = tipsCount - x
	}
	if magnitude > 99 {
		magnitude = 99
	}

	// adjust*magnitude stays below prevDifficulty/20, no overflow risk.
	adjust := prevDifficulty / config.DifficultyBoundDivisor * magnitude

	var next uint64
	if slow {
		if adjust >= prevDifficulty {
			return config.MinimumDifficulty
		}
		next = prevDifficulty - adjust
	} else {
		next = prevDifficulty + adjust
	}

	if next < config.MinimumDifficulty {
		return config.MinimumDifficulty
	}
	return next
}
