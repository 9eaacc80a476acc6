package registry

import (
	"testing"

	"github.com/uwsaml/nexus/controlpb"
)

func resnet() controlpb.ModelSession {
	return controlpb.ModelSession{Framework: "caffe", ModelName: "resnet50", Version: 1, LatencySLAMs: 100}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := New()
	si1, created1 := r.GetOrCreate(resnet(), 10)
	if !created1 {
		t.Fatalf("want created=true on first call")
	}
	si2, created2 := r.GetOrCreate(resnet(), 10)
	if created2 {
		t.Fatalf("want created=false on second call")
	}
	if si1 != si2 {
		t.Fatalf("want same SessionInfo pointer")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	r := New()
	sess := resnet()
	id := sess.SessionID()
	r.GetOrCreate(sess, 10)

	r.Subscribe(id, 1)
	r.Subscribe(id, 2)
	si, _ := r.Get(id)
	if len(si.Subscribers) != 2 {
		t.Fatalf("want 2 subscribers, got %d", len(si.Subscribers))
	}
	if got := r.SessionIDsForFrontend(1); len(got) != 1 || got[0] != id {
		t.Fatalf("want [%s], got %v", id, got)
	}

	if empty := r.Unsubscribe(id, 1); empty {
		t.Fatalf("want empty=false, one subscriber remains")
	}
	if empty := r.Unsubscribe(id, 2); !empty {
		t.Fatalf("want empty=true, last subscriber left")
	}
}

func TestSubscribeUpsertAfterEviction(t *testing.T) {
	r := New()
	sess := resnet()
	id := sess.SessionID()
	r.GetOrCreate(sess, 10)

	r.Subscribe(id, 5)
	r.Unsubscribe(id, 5)
	// re-subscribing after the entry was fully evicted must still work
	// (the duplicate-LoadModel path is specified as an upsert).
	r.Subscribe(id, 5)
	si, _ := r.Get(id)
	if !si.Subscribers[5] {
		t.Fatalf("want frontend 5 re-subscribed")
	}
}

func TestBackendThroughputIndexAndRemoval(t *testing.T) {
	r := New()
	sess := resnet()
	id := sess.SessionID()
	r.GetOrCreate(sess, 10)

	r.SetBackendThroughput(id, 10, 40.0)
	r.SetBackendThroughput(id, 20, 60.0)
	si, _ := r.Get(id)
	if si.TotalThroughput() != 100.0 {
		t.Fatalf("want total 100, got %v", si.TotalThroughput())
	}
	if got := r.SessionIDsForBackend(10); len(got) != 1 || got[0] != id {
		t.Fatalf("want [%s], got %v", id, got)
	}

	r.RemoveBackendThroughput(id, 10)
	si, _ = r.Get(id)
	if si.TotalThroughput() != 60.0 {
		t.Fatalf("want total 60 after removal, got %v", si.TotalThroughput())
	}
	if got := r.SessionIDsForBackend(10); len(got) != 0 {
		t.Fatalf("want empty after removal, got %v", got)
	}
}

func TestAttachSiblingSharesSessionInfo(t *testing.T) {
	r := New()
	head := resnet()
	headID := head.SessionID()
	r.GetOrCreate(head, 10)

	sibling := controlpb.ModelSession{Framework: "caffe", ModelName: "resnet50_aux", Version: 1, LatencySLAMs: 100}
	r.AttachSibling(headID, sibling)

	siHead, _ := r.Get(headID)
	siSibling, ok := r.Get(sibling.SessionID())
	if !ok {
		t.Fatalf("want sibling reachable by its own id")
	}
	if siHead != siSibling {
		t.Fatalf("want sibling to share the head's SessionInfo")
	}
	if len(siHead.ModelSessions) != 2 {
		t.Fatalf("want 2 model sessions, got %d", len(siHead.ModelSessions))
	}
}

func TestAllReturnsOnlyHeadsOnceEach(t *testing.T) {
	r := New()
	head := resnet()
	headID := head.SessionID()
	r.GetOrCreate(head, 10)
	sibling := controlpb.ModelSession{Framework: "caffe", ModelName: "resnet50_aux", Version: 1, LatencySLAMs: 100}
	r.AttachSibling(headID, sibling)

	other := controlpb.ModelSession{Framework: "caffe", ModelName: "vgg16", Version: 1, LatencySLAMs: 50}
	r.GetOrCreate(other, 10)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("want 2 distinct sessions, got %d", len(all))
	}
}

func TestDeleteRemovesFromSecondaryIndices(t *testing.T) {
	r := New()
	sess := resnet()
	id := sess.SessionID()
	r.GetOrCreate(sess, 10)
	r.SetBackendThroughput(id, 1, 10)
	r.Subscribe(id, 2)

	r.Delete(id)

	if _, ok := r.Get(id); ok {
		t.Fatalf("want session gone")
	}
	if got := r.SessionIDsForBackend(1); len(got) != 0 {
		t.Fatalf("want backend index cleared, got %v", got)
	}
	if got := r.SessionIDsForFrontend(2); len(got) != 0 {
		t.Fatalf("want frontend index cleared, got %v", got)
	}
}
