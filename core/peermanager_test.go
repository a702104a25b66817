package core

import "testing"

func TestApplyReputationDeltaClampsToBounds(t *testing.T) {
	pm := NewPeerManager("")
	key := NewPeerKey("198.51.100.1", 9000)
	pm.Connect("198.51.100.1", 9000)

	pm.ApplyReputationDelta(key, -100000, "test underflow")
	info, ok := pm.Get(key)
	if !ok {
		t.Fatal("expected peer to be registered after Connect")
	}
	if info.Reputation != -1000 {
		t.Fatalf("reputation = %d, want clamped floor -1000", info.Reputation)
	}

	pm.ApplyReputationDelta(key, 100000, "test overflow")
	info, _ = pm.Get(key)
	if info.Reputation != 1000 {
		t.Fatalf("reputation = %d, want clamped ceiling 1000", info.Reputation)
	}
}

func TestApplyReputationDeltaBansBelowThreshold(t *testing.T) {
	pm := NewPeerManager("")
	key := NewPeerKey("198.51.100.2", 9000)
	pm.Connect("198.51.100.2", 9000)

	pm.ApplyReputationDelta(key, InvalidBlockPenalty(10), "invalid block")
	if !pm.IsBanned(key) {
		t.Fatal("expected a severe penalty to trigger a ban")
	}
}

func TestUnbanClearsStatus(t *testing.T) {
	pm := NewPeerManager("")
	key := NewPeerKey("198.51.100.3", 9000)
	pm.Connect("198.51.100.3", 9000)
	pm.ApplyReputationDelta(key, banThreshold-1, "force ban")
	if !pm.IsBanned(key) {
		t.Fatal("expected peer to be banned")
	}
	pm.Unban(key)
	if pm.IsBanned(key) {
		t.Fatal("expected Unban to clear the ban")
	}
}

func TestPenaltyHelpersScaleWithSeverity(t *testing.T) {
	if InvalidBlockPenalty(1) >= InvalidBlockPenalty(10) {
		t.Fatal("higher severity should produce a larger (more negative) penalty")
	}
	if SpamPenalty(5) >= 0 {
		t.Fatal("penalties should always be negative")
	}
}
