package memory

import (
	"fmt"
	"testing"
)

func TestTurnBuffer_AppendAndRecent(t *testing.T) {
	b := NewTurnBuffer(5)
	b.Append("s1", RoleUser, "hello")
	b.Append("s1", RoleAssistant, "hi there")
	b.Append("s2", RoleUser, "other session")

	turns := b.Recent("s1")
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Content != "hello" {
		t.Errorf("turns[0] = %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant {
		t.Errorf("turns[1] = %+v", turns[1])
	}
	if got := b.Recent("s2"); len(got) != 1 {
		t.Errorf("s2 turns = %d, want 1", len(got))
	}
}

func TestTurnBuffer_EvictsOldest(t *testing.T) {
	b := NewTurnBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append("s1", RoleUser, fmt.Sprintf("turn %d", i))
	}

	turns := b.Recent("s1")
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(turns))
	}
	if turns[0].Content != "turn 2" || turns[2].Content != "turn 4" {
		t.Errorf("kept %q..%q, want turn 2..turn 4", turns[0].Content, turns[2].Content)
	}
}

func TestTurnBuffer_RecentReturnsCopy(t *testing.T) {
	b := NewTurnBuffer(5)
	b.Append("s1", RoleUser, "original")

	turns := b.Recent("s1")
	turns[0].Content = "mutated"

	if got := b.Recent("s1"); got[0].Content != "original" {
		t.Errorf("buffer content = %q, want %q", got[0].Content, "original")
	}
}

func TestTurnBuffer_Clear(t *testing.T) {
	b := NewTurnBuffer(5)
	b.Append("s1", RoleUser, "hello")
	b.Clear("s1")
	if got := b.Recent("s1"); got != nil {
		t.Errorf("Recent after Clear = %v, want nil", got)
	}
}
