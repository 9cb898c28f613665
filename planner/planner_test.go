package planner

import "testing"

func testAxes() [3]AxisLimits {
	return [3]AxisLimits{
		{StepsPerMM: 80, MaxRate: 5000, MaxTravel: -200},
		{StepsPerMM: 80, MaxRate: 5000, MaxTravel: -200},
		{StepsPerMM: 400, MaxRate: 1000, MaxTravel: -50},
	}
}

func TestBufferLineZeroLengthIsSilent(t *testing.T) {
	p := New(testAxes(), 0.02)
	if err := p.BufferLine([3]float64{0, 0, 0}, LineData{FeedRate: 1000, Acceleration: 100}); err != nil {
		t.Fatalf("zero-length move returned error: %v", err)
	}
	if p.GetCurrentBlock() != nil {
		t.Fatal("zero-length move should not buffer a block")
	}
}

func TestBufferLineProducesBlock(t *testing.T) {
	p := New(testAxes(), 0.02)
	if err := p.BufferLine([3]float64{10, 0, 0}, LineData{FeedRate: 1000, Acceleration: 100}); err != nil {
		t.Fatalf("BufferLine: %v", err)
	}
	b := p.GetCurrentBlock()
	if b == nil {
		t.Fatal("expected a block")
	}
	if b.StepEventCount != 800 {
		t.Errorf("StepEventCount = %d, want 800", b.StepEventCount)
	}
	if b.DirectionBits != 0 {
		t.Errorf("DirectionBits = %d, want 0 (positive motion)", b.DirectionBits)
	}
	wantNominal := 1000.0 / 60.0
	if got := b.NominalSpeed(); abs(got-wantNominal) > 1e-9 {
		t.Errorf("NominalSpeed = %v, want %v", got, wantNominal)
	}
}

func TestBufferLineNegativeDirection(t *testing.T) {
	p := New(testAxes(), 0.02)
	p.SyncPosition([3]int32{800, 0, 0}) // 10mm in X
	if err := p.BufferLine([3]float64{0, 0, 0}, LineData{FeedRate: 1000, Acceleration: 100}); err != nil {
		t.Fatalf("BufferLine: %v", err)
	}
	b := p.GetCurrentBlock()
	if b.DirectionBits&1 == 0 {
		t.Error("expected X direction bit set for negative motion")
	}
}

func TestQueueFullReturnsError(t *testing.T) {
	p := New(testAxes(), 0.02)
	for i := 0; i < RingSize; i++ {
		target := [3]float64{float64(i + 1), 0, 0}
		if err := p.BufferLine(target, LineData{FeedRate: 1000, Acceleration: 100}); err != nil {
			t.Fatalf("BufferLine %d: %v", i, err)
		}
	}
	err := p.BufferLine([3]float64{999, 0, 0}, LineData{FeedRate: 1000, Acceleration: 100})
	if err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestDiscardCurrentBlockAdvancesRing(t *testing.T) {
	p := New(testAxes(), 0.02)
	p.BufferLine([3]float64{10, 0, 0}, LineData{FeedRate: 1000, Acceleration: 100})
	p.BufferLine([3]float64{20, 0, 0}, LineData{FeedRate: 1000, Acceleration: 100})
	if p.GetBlockBufferAvailable() != RingSize-2 {
		t.Fatalf("available = %d, want %d", p.GetBlockBufferAvailable(), RingSize-2)
	}
	first := p.GetCurrentBlock()
	p.DiscardCurrentBlock()
	second := p.GetCurrentBlock()
	if second == first {
		t.Error("DiscardCurrentBlock did not advance head")
	}
	if p.GetBlockBufferAvailable() != RingSize-1 {
		t.Fatalf("available after discard = %d, want %d", p.GetBlockBufferAvailable(), RingSize-1)
	}
}

func TestCollinearJunctionAllowsFullNominalEntry(t *testing.T) {
	p := New(testAxes(), 0.02)
	p.BufferLine([3]float64{10, 0, 0}, LineData{FeedRate: 600, Acceleration: 1000})
	p.BufferLine([3]float64{20, 0, 0}, LineData{FeedRate: 600, Acceleration: 1000})
	blocks := p.allBlocksForTest()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	// Collinear motion: the second block's max entry speed should equal its
	// own nominal speed (no cornering penalty).
	if abs(blocks[1].MaxEntrySpeedSqr-blocks[1].NominalSpeedSqr) > 1e-6 {
		t.Errorf("collinear junction limited entry speed: max=%v nominal=%v",
			blocks[1].MaxEntrySpeedSqr, blocks[1].NominalSpeedSqr)
	}
}

func TestReversalJunctionForcesStop(t *testing.T) {
	p := New(testAxes(), 0.02)
	p.BufferLine([3]float64{10, 0, 0}, LineData{FeedRate: 600, Acceleration: 1000})
	p.BufferLine([3]float64{0, 0, 0}, LineData{FeedRate: 600, Acceleration: 1000})
	blocks := p.allBlocksForTest()
	if blocks[1].MaxEntrySpeedSqr > 1e-6 {
		t.Errorf("reversal junction should force near-zero entry speed, got %v", blocks[1].MaxEntrySpeedSqr)
	}
}

func TestLockHeadBlockFreezesEntrySpeed(t *testing.T) {
	p := New(testAxes(), 0.02)
	p.BufferLine([3]float64{10, 0, 0}, LineData{FeedRate: 600, Acceleration: 1000})
	p.LockHeadBlock()
	if !p.GetCurrentBlock().Locked() {
		t.Fatal("expected head block to be locked")
	}
	before := p.GetCurrentBlock().EntrySpeedSqr
	p.BufferLine([3]float64{20, 0, 0}, LineData{FeedRate: 600, Acceleration: 1000})
	after := p.GetCurrentBlock().EntrySpeedSqr
	if before != after {
		t.Errorf("locked block's entry speed changed: before=%v after=%v", before, after)
	}
}

// allBlocksForTest exposes the ring contents in order for assertions.
func (p *Planner) allBlocksForTest() []*Block {
	out := make([]*Block, 0, p.count)
	for i := 0; i < p.count; i++ {
		idx := (p.head + i) % RingSize
		out = append(out, &p.ring[idx])
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
