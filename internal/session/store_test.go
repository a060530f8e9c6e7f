package session

import (
	"testing"

	"kpibot/internal/kpi"
)

func TestStoreSaveGetDelete(t *testing.T) {
	t.Parallel()
	st := NewStore()

	if st.Get(1) != nil {
		t.Fatal("expected nil session before save")
	}
	if _, ok := st.AccessToken(1); ok {
		t.Fatal("expected no token before save")
	}

	st.Save(&Session{UserID: 1, AccessToken: "a1", Profile: kpi.Profile{FirstName: "A"}})
	if st.Len() != 1 {
		t.Fatalf("Len = %d, want 1", st.Len())
	}
	tok, ok := st.AccessToken(1)
	if !ok || tok != "a1" {
		t.Fatalf("AccessToken = %q (ok=%v), want a1", tok, ok)
	}

	if !st.Delete(1) {
		t.Fatal("Delete should report an existing session")
	}
	if st.Delete(1) {
		t.Fatal("second Delete should report absence")
	}
	if st.Len() != 0 {
		t.Fatalf("Len = %d, want 0", st.Len())
	}
}

func TestStoreReplaceUpdatesToken(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.Save(&Session{UserID: 5, AccessToken: "old"})
	st.Save(&Session{UserID: 5, AccessToken: "new"})

	tok, ok := st.AccessToken(5)
	if !ok || tok != "new" {
		t.Fatalf("AccessToken = %q, want new", tok)
	}
	if st.Len() != 1 {
		t.Fatalf("Len = %d, want 1", st.Len())
	}
}

func TestStoreNilSave(t *testing.T) {
	t.Parallel()
	st := NewStore()
	st.Save(nil)
	if st.Len() != 0 {
		t.Fatal("nil save must be a no-op")
	}
}
