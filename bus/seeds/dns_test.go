package seeds

import (
	"testing"

	"golemmarket/crypto"
)

func TestParseSeedList(t *testing.T) {
	node := crypto.MustNodeID(make([]byte, 20)).String()
	payload := node + "@seed1.example.com:7000," + node + "@seed2.example.com:7000"
	list, err := ParseSeedList(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(list))
	}
	if list[0].Addr != "seed1.example.com:7000" || list[1].Addr != "seed2.example.com:7000" {
		t.Fatalf("unexpected addrs: %+v", list)
	}
}

func TestParseSeedListRejectsMalformedEntry(t *testing.T) {
	if _, err := ParseSeedList("not-a-valid-entry"); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
}

func TestParseSeedListRejectsEmpty(t *testing.T) {
	if _, err := ParseSeedList("   "); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
