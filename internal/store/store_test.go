package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"perp-breakout/pkg/types"
)

func samplePosition(id string) types.Position {
	return types.Position{
		ID:            id,
		Symbol:        "SOL-PERP",
		Side:          types.SideLong,
		Strategy:      types.StrategyMomentum,
		Qty:           12.5,
		InitialQty:    25,
		Entry:         100.10,
		SL:            99.20,
		BreakoutLevel: 100.0,
		Status:        types.PositionOpen,
		RealizedPnL:   14.2,
		HighestSeen:   101.4,
		LowestSeen:    100.05,
		OpenedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		FSMState:      "partial_closed",
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := samplePosition("p-1")
	if err := s.Save(pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("p-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}

	if loaded.Symbol != pos.Symbol {
		t.Errorf("Symbol = %v, want %v", loaded.Symbol, pos.Symbol)
	}
	if loaded.Qty != pos.Qty {
		t.Errorf("Qty = %v, want %v", loaded.Qty, pos.Qty)
	}
	if loaded.RealizedPnL != pos.RealizedPnL {
		t.Errorf("RealizedPnL = %v, want %v", loaded.RealizedPnL, pos.RealizedPnL)
	}
	if loaded.FSMState != pos.FSMState {
		t.Errorf("FSMState = %v, want %v", loaded.FSMState, pos.FSMState)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.Load("nonexistent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing position, got %+v", loaded)
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := samplePosition("p-1")
	_ = s.Save(pos)
	pos.Qty = 6.25
	pos.FSMState = "trailing"
	_ = s.Save(pos)

	loaded, err := s.Load("p-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Qty != 6.25 {
		t.Errorf("Qty = %v, want 6.25 (latest save)", loaded.Qty)
	}
	if loaded.FSMState != "trailing" {
		t.Errorf("FSMState = %v, want trailing", loaded.FSMState)
	}
}

func TestLoadAll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Save(samplePosition("p-1"))
	_ = s.Save(samplePosition("p-2"))

	// A stray file that is not a position must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("LoadAll returned %d positions, want 2", len(all))
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Save(samplePosition("p-1"))
	if err := s.Delete("p-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := s.Load("p-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("position survived Delete: %+v", loaded)
	}

	// Deleting again is not an error.
	if err := s.Delete("p-1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
