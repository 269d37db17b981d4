package pipeline

import (
	"testing"

	"github.com/JaimeStill/safeguard/internal/risk"
)

func TestRecent_EvictsLeastRecentlyUsed(t *testing.T) {
	r := newRecent(2)

	r.put("stu-1", risk.Assessment{Band: risk.Low})
	r.put("stu-2", risk.Assessment{Band: risk.Medium})
	if _, ok := r.get("stu-1"); !ok {
		t.Fatal("stu-1 missing before capacity reached")
	}

	r.put("stu-3", risk.Assessment{Band: risk.High})

	if _, ok := r.get("stu-2"); ok {
		t.Error("stu-2 kept, want evicted as least recently used")
	}
	for _, id := range []string{"stu-1", "stu-3"} {
		if _, ok := r.get(id); !ok {
			t.Errorf("%s evicted", id)
		}
	}
	if r.len() != 2 {
		t.Errorf("len: got %d, want 2", r.len())
	}
}

func TestRecent_PutReplaces(t *testing.T) {
	r := newRecent(1)

	r.put("stu-1", risk.Assessment{Band: risk.Low})
	r.put("stu-1", risk.Assessment{Band: risk.Critical})

	a, ok := r.get("stu-1")
	if !ok || a.Band != risk.Critical {
		t.Errorf("got %s, %v, want critical", a.Band, ok)
	}
	if r.len() != 1 {
		t.Errorf("len: got %d, want 1", r.len())
	}
}
