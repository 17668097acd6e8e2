// Package mailbox implements selected-state mailbox operations: the
// flag/UID resync decision tree, fetch chunking, and the IMAP commands that
// act on the currently SELECTed mailbox (spec §4.6–§4.9).
package mailbox

// Strategy is the resync strategy chosen by DecideResyncStrategy.
type Strategy int

const (
	StrategyFullResync Strategy = iota
	StrategyChangedSince
	StrategyTailFetch
)

func (s Strategy) String() string {
	switch s {
	case StrategyFullResync:
		return "full-resync"
	case StrategyChangedSince:
		return "changed-since"
	case StrategyTailFetch:
		return "tail-fetch"
	default:
		return "?"
	}
}

// ResyncInputs are the decision tree's inputs (spec §4.6).
type ResyncInputs struct {
	LastHighestModSeq uint64
	LastTotalMsgCount uint32
	LastHighestUID    uint32

	CondStoreInUse bool
	DeleteModelIsMark bool // delete model is "just mark deleted" rather than move-to-trash

	ServerHighestModSeq uint64
	ServerExists        uint32

	FlagStateEmpty       bool
	FlagStateAllDeleted  bool
}

// DecideResyncStrategy implements the decision tree of spec §4.6.
func DecideResyncStrategy(in ResyncInputs) Strategy {
	if in.LastHighestUID == 0 {
		return StrategyFullResync
	}
	if in.FlagStateEmpty && !in.CondStoreInUse {
		return StrategyFullResync
	}
	if in.CondStoreInUse && in.ServerHighestModSeq != in.LastHighestModSeq {
		return StrategyChangedSince
	}
	if (in.FlagStateEmpty || in.FlagStateAllDeleted) && !in.CondStoreInUse &&
		in.DeleteModelIsMark && in.ServerExists != in.LastTotalMsgCount {
		return StrategyFullResync
	}
	return StrategyTailFetch
}

// ExpungeSanityResult is the outcome of the post-CHANGEDSINCE sanity check.
type ExpungeSanityResult struct {
	// NeedsFullResync is true when another client expunged messages this
	// session still believes exist.
	NeedsFullResync bool
	// ClearHighestUIDCursor is true when the CHANGEDSINCE fetch returned
	// only flag changes for already-known UIDs, so the subsequent tail
	// fetch must not re-fetch them.
	ClearHighestUIDCursor bool
}

// ExpungeSanityCheck implements spec §4.6's post-CHANGEDSINCE check.
// returnedUIDs is every UID present in the CHANGEDSINCE FETCH response.
func ExpungeSanityCheck(returnedUIDs []uint32, lastHighestUID uint32, currentExists, previousStoredTotal uint32) ExpungeSanityResult {
	var numNewUIDs int
	for _, uid := range returnedUIDs {
		if uid > lastHighestUID {
			numNewUIDs++
		}
	}
	existsDelta := int64(currentExists) - int64(previousStoredTotal)

	if int64(numNewUIDs) != existsDelta {
		return ExpungeSanityResult{NeedsFullResync: true}
	}
	if numNewUIDs == 0 {
		return ExpungeSanityResult{ClearHighestUIDCursor: true}
	}
	return ExpungeSanityResult{}
}

// AutoExpungePolicy mirrors the engine's configured auto-expunge behavior
// (spec §4.6's closing paragraph).
type AutoExpungePolicy int

const (
	AutoExpungeNever AutoExpungePolicy = iota
	AutoExpungeAlways
	AutoExpungeOnThreshold
	AutoExpungeDeleteModel
)

// ShouldAutoExpunge decides whether to issue EXPUNGE after a resync.
func ShouldAutoExpunge(policy AutoExpungePolicy, liteSelect bool, deletionCount, threshold int, showDeletedMessages bool) bool {
	if liteSelect || policy == AutoExpungeNever {
		return false
	}
	switch policy {
	case AutoExpungeAlways:
		return true
	case AutoExpungeOnThreshold:
		return deletionCount >= threshold
	case AutoExpungeDeleteModel:
		return !showDeletedMessages && deletionCount >= threshold
	default:
		return false
	}
}
