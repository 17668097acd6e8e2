package mailbox

import "testing"

func TestChunkTunerGrowsOnFastFetch(t *testing.T) {
	tuner := NewChunkTuner()
	start := tuner.Size
	tuner.RecordFetch(0.5) // faster than tooFast (1.0s)
	if tuner.Size <= start {
		t.Errorf("expected growth past %d, got %d", start, tuner.Size)
	}
}

func TestChunkTunerShrinksOnSlowFetch(t *testing.T) {
	tuner := NewChunkTuner()
	tuner.Size = 100 * 1024
	before := tuner.Size
	tuner.RecordFetch(5.0) // slower than ideal (2.5s)
	if tuner.Size >= before {
		t.Errorf("expected shrink below %d, got %d", before, tuner.Size)
	}
	if tuner.Threshold != tuner.Size {
		t.Errorf("expected Threshold to track post-shrink Size, got threshold=%d size=%d", tuner.Threshold, tuner.Size)
	}
}

func TestChunkTunerNeverShrinksBelowFloor(t *testing.T) {
	tuner := NewChunkTuner()
	for i := 0; i < 50; i++ {
		tuner.RecordFetch(10.0)
	}
	if tuner.Size < tuner.chunkAdd*2 {
		t.Errorf("chunk size %d fell below floor %d", tuner.Size, tuner.chunkAdd*2)
	}
}

func TestChunkTunerNextRangeStopsAtTotalSize(t *testing.T) {
	tuner := NewChunkTuner()
	tuner.Size = 1000
	offset, length, ok := tuner.NextRange(0, 1500)
	if !ok || offset != 0 || length != 1000 {
		t.Fatalf("first range = (%d,%d,%v), want (0,1000,true)", offset, length, ok)
	}
	offset, length, ok = tuner.NextRange(1000, 1500)
	if !ok || offset != 1000 || length != 500 {
		t.Fatalf("second range = (%d,%d,%v), want (1000,500,true)", offset, length, ok)
	}
	_, _, ok = tuner.NextRange(1500, 1500)
	if ok {
		t.Error("expected ok=false once fully downloaded")
	}
}

func TestClassifyChunkExpungedMidDownload(t *testing.T) {
	if got := ClassifyChunk(0, 500, 2000); got != FetchOutcomeExpunged {
		t.Errorf("got %v, want FetchOutcomeExpunged", got)
	}
}

func TestClassifyChunkCompleteOnFinalByte(t *testing.T) {
	if got := ClassifyChunk(500, 1500, 2000); got != FetchOutcomeComplete {
		t.Errorf("got %v, want FetchOutcomeComplete", got)
	}
}

func TestClassifyChunkContinuesMidMessage(t *testing.T) {
	if got := ClassifyChunk(500, 500, 2000); got != FetchOutcomeContinue {
		t.Errorf("got %v, want FetchOutcomeContinue", got)
	}
}

func TestClassifyChunkZeroLengthOnEmptyMessageIsComplete(t *testing.T) {
	// A genuinely empty message (totalSize 0) reports complete, not expunged.
	if got := ClassifyChunk(0, 0, 0); got != FetchOutcomeComplete {
		t.Errorf("got %v, want FetchOutcomeComplete", got)
	}
}
