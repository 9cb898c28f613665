package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesCR1Defaults(t *testing.T) {
	d := Default()
	if d.StepsPerMM[0] != 400.0 || d.MaxRate[1] != 3100.0 || d.MaxTravel[2] != 78.5 {
		t.Errorf("Default() axis values = %+v, want DEFAULTS_CR1 values", d)
	}
	if !d.Flags.Has(FlagSoftLimitEnable) || !d.Flags.Has(FlagHardLimitEnable) {
		t.Error("Default() should enable soft and hard limits")
	}
	if d.Flags.Has(FlagReportInches) {
		t.Error("Default() should not report inches")
	}
}

func TestToAxisLimitsNegatesMaxTravel(t *testing.T) {
	s := Default()
	axes := s.ToAxisLimits()
	for i, a := range axes {
		if a.MaxTravel != -s.MaxTravel[i] {
			t.Errorf("axis %d MaxTravel = %v, want %v", i, a.MaxTravel, -s.MaxTravel[i])
		}
		if a.StepsPerMM != s.StepsPerMM[i] || a.MaxRate != s.MaxRate[i] {
			t.Errorf("axis %d = %+v, want steps/mm %v rate %v", i, a, s.StepsPerMM[i], s.MaxRate[i])
		}
	}
}

func TestToLimitsSettingsCarriesHomingParameters(t *testing.T) {
	s := Default()
	ls := s.ToLimitsSettings()
	if ls.SeekRate != s.HomingSeekRate || ls.FeedRate != s.HomingFeedRate || ls.Pulloff != s.HomingPulloff {
		t.Errorf("ToLimitsSettings() = %+v, mismatched homing fields", ls)
	}
	if !ls.SoftLimitEnable || !ls.HardLimitEnable {
		t.Error("ToLimitsSettings() should carry both limit-enable flags true by default")
	}
}

func TestToSpindleSettingsCarriesRPMRange(t *testing.T) {
	s := Default()
	ss := s.ToSpindleSettings()
	if ss.RPMMin != s.RPMMin || ss.RPMMax != s.RPMMax {
		t.Errorf("ToSpindleSettings() = %+v, want min %v max %v", ss, s.RPMMin, s.RPMMax)
	}
}

func TestToMCSettingsCarriesArcTolerance(t *testing.T) {
	s := Default()
	if got := s.ToMCSettings().ArcTolerance; got != s.ArcTolerance {
		t.Errorf("ToMCSettings().ArcTolerance = %v, want %v", got, s.ArcTolerance)
	}
}

func TestMemStoreRoundTrip(t *testing.T) {
	m := NewMemStore()
	if _, err := m.Load(); err != ErrNotFound {
		t.Fatalf("Load() before Save = %v, want ErrNotFound", err)
	}
	want := Default()
	want.StepsPerMM[0] = 123.5
	if err := m.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.StepsPerMM[0] != 123.5 {
		t.Errorf("Load() = %+v, want StepsPerMM[0] = 123.5", got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "settings.bin"))

	if _, err := fs.Load(); err != ErrNotFound {
		t.Fatalf("Load() on missing file = %v, want ErrNotFound", err)
	}

	want := Default()
	want.RPMMax = 12000
	want.HomingPulloff = 1.5
	if err := fs.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RPMMax != 12000 || got.HomingPulloff != 1.5 {
		t.Errorf("Load() = %+v, want RPMMax 12000 HomingPulloff 1.5", got)
	}
}

func TestFileStoreRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	fs := NewFileStore(path)
	if err := fs.Save(Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[0] = Version + 1
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := fs.Load(); err != ErrVersionMismatch {
		t.Fatalf("Load() after version bump = %v, want ErrVersionMismatch", err)
	}
}

func TestFileStoreRejectsCorruptPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	fs := NewFileStore(path)
	if err := fs.Save(Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[len(raw)/2] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := fs.Load(); err != ErrCorrupt {
		t.Fatalf("Load() after corruption = %v, want ErrCorrupt", err)
	}
}

func TestRestoreDefaultsResetsStore(t *testing.T) {
	m := NewMemStore()
	altered := Default()
	altered.RPMMax = 1
	if err := m.Save(altered); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Restore(m, RestoreDefaults); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RPMMax != Default().RPMMax {
		t.Errorf("after Restore(RestoreDefaults), RPMMax = %v, want default", got.RPMMax)
	}
}

func TestRestoreWithoutDefaultsBitLeavesStoreUntouched(t *testing.T) {
	m := NewMemStore()
	altered := Default()
	altered.RPMMax = 1
	if err := m.Save(altered); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Restore(m, RestoreParameters); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ := m.Load()
	if got.RPMMax != 1 {
		t.Errorf("Restore(RestoreParameters) should not touch global settings, RPMMax = %v", got.RPMMax)
	}
}
