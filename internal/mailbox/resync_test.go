package mailbox

import "testing"

func TestDecideResyncStrategyNeverSelectedIsFullResync(t *testing.T) {
	got := DecideResyncStrategy(ResyncInputs{LastHighestUID: 0})
	if got != StrategyFullResync {
		t.Errorf("got %v, want full-resync", got)
	}
}

func TestDecideResyncStrategyEmptyCacheNoCondStoreIsFullResync(t *testing.T) {
	got := DecideResyncStrategy(ResyncInputs{LastHighestUID: 42, FlagStateEmpty: true})
	if got != StrategyFullResync {
		t.Errorf("got %v, want full-resync", got)
	}
}

func TestDecideResyncStrategyCondStoreModSeqChangedIsChangedSince(t *testing.T) {
	in := ResyncInputs{
		LastHighestUID:      42,
		LastHighestModSeq:    100,
		CondStoreInUse:       true,
		ServerHighestModSeq:  105,
	}
	if got := DecideResyncStrategy(in); got != StrategyChangedSince {
		t.Errorf("got %v, want changed-since", got)
	}
}

func TestDecideResyncStrategyCondStoreModSeqUnchangedIsTailFetch(t *testing.T) {
	in := ResyncInputs{
		LastHighestUID:      42,
		LastHighestModSeq:    100,
		CondStoreInUse:       true,
		ServerHighestModSeq:  100,
	}
	if got := DecideResyncStrategy(in); got != StrategyTailFetch {
		t.Errorf("got %v, want tail-fetch", got)
	}
}

func TestDecideResyncStrategyMarkModelAllDeletedExistsChangedIsFullResync(t *testing.T) {
	in := ResyncInputs{
		LastHighestUID:    42,
		LastTotalMsgCount: 10,
		FlagStateAllDeleted: true,
		DeleteModelIsMark:   true,
		ServerExists:        5,
	}
	if got := DecideResyncStrategy(in); got != StrategyFullResync {
		t.Errorf("got %v, want full-resync", got)
	}
}

func TestDecideResyncStrategyOrdinaryCaseIsTailFetch(t *testing.T) {
	in := ResyncInputs{
		LastHighestUID:    42,
		LastTotalMsgCount: 10,
		ServerExists:      11,
	}
	if got := DecideResyncStrategy(in); got != StrategyTailFetch {
		t.Errorf("got %v, want tail-fetch", got)
	}
}

func TestExpungeSanityCheckConsistentDeltaClearsCursor(t *testing.T) {
	// No new UIDs beyond lastHighestUID, and exists count unchanged.
	res := ExpungeSanityCheck([]uint32{10, 11, 12}, 12, 3, 3)
	if !res.ClearHighestUIDCursor {
		t.Errorf("expected ClearHighestUIDCursor, got %+v", res)
	}
	if res.NeedsFullResync {
		t.Errorf("did not expect NeedsFullResync, got %+v", res)
	}
}

func TestExpungeSanityCheckMismatchForcesFullResync(t *testing.T) {
	// Three UIDs above lastHighestUID (10) returned, but exists only grew by one
	// relative to the previously stored total: another client expunged messages.
	res := ExpungeSanityCheck([]uint32{11, 12, 13}, 10, 4, 3)
	if !res.NeedsFullResync {
		t.Errorf("expected NeedsFullResync, got %+v", res)
	}
}

func TestExpungeSanityCheckMatchingNewUIDsIsClean(t *testing.T) {
	res := ExpungeSanityCheck([]uint32{9, 11, 12}, 10, 5, 3)
	if res.NeedsFullResync {
		t.Errorf("did not expect NeedsFullResync, got %+v", res)
	}
	if res.ClearHighestUIDCursor {
		t.Errorf("did not expect ClearHighestUIDCursor, got %+v", res)
	}
}

func TestShouldAutoExpungeNeverPolicy(t *testing.T) {
	if ShouldAutoExpunge(AutoExpungeNever, false, 100, 1, false) {
		t.Error("AutoExpungeNever should never expunge")
	}
}

func TestShouldAutoExpungeLiteSelectSuppressed(t *testing.T) {
	if ShouldAutoExpunge(AutoExpungeAlways, true, 100, 1, false) {
		t.Error("lite-selected mailbox should never auto-expunge")
	}
}

func TestShouldAutoExpungeOnThreshold(t *testing.T) {
	if ShouldAutoExpunge(AutoExpungeOnThreshold, false, 4, 5, false) {
		t.Error("below threshold should not expunge")
	}
	if !ShouldAutoExpunge(AutoExpungeOnThreshold, false, 5, 5, false) {
		t.Error("at threshold should expunge")
	}
}

func TestShouldAutoExpungeDeleteModelRespectsShowDeleted(t *testing.T) {
	if ShouldAutoExpunge(AutoExpungeDeleteModel, false, 10, 5, true) {
		t.Error("when showing deleted messages, delete-model policy should not auto-expunge")
	}
	if !ShouldAutoExpunge(AutoExpungeDeleteModel, false, 10, 5, false) {
		t.Error("when hiding deleted messages past threshold, delete-model policy should auto-expunge")
	}
}
