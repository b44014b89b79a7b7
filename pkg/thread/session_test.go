package thread

import "testing"

func TestSessionStateIsIsolated(t *testing.T) {
	th := NewThread("t1", staticRestore(nil), nil, nil)
	s1 := NewSession(th)
	s2 := NewSession(th)

	if s1.ID() == s2.ID() {
		t.Error("two sessions share an id")
	}
	if s1.Thread() != th {
		t.Error("Thread() returned a different thread")
	}

	s1.Set("scratch", 1)
	if _, ok := s2.Get("scratch"); ok {
		t.Error("session state leaked between sessions")
	}

	v, ok := s1.Get("scratch")
	if !ok || v != 1 {
		t.Errorf("Get(scratch) = %v, %v, want 1, true", v, ok)
	}
	s1.Delete("scratch")
	if _, ok := s1.Get("scratch"); ok {
		t.Error("key survived Delete")
	}

	// Session activity leaves the owning thread untouched.
	if got := th.SaveMode(); got != SaveModeNone {
		t.Errorf("thread SaveMode = %q, want none", got)
	}
}

func TestSessionMetadata(t *testing.T) {
	s := NewSession(NewThread("t1", staticRestore(nil), nil, nil))
	s.SetMetadata(map[string]any{"a": 1})
	s.SetMetadata(map[string]any{"b": 2})

	meta := s.Metadata()
	if meta["a"] != 1 || meta["b"] != 2 {
		t.Errorf("Metadata = %v", meta)
	}
	meta["a"] = 99
	if s.Metadata()["a"] != 1 {
		t.Error("mutating the returned map leaked into the session")
	}
}
