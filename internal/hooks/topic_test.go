package hooks

import "testing"

func TestTopic_OnEmitOff(t *testing.T) {
	var topic Topic[string]
	var got []string

	id := topic.On(func(s string) { got = append(got, "a:"+s) })
	topic.On(func(s string) { got = append(got, "b:"+s) })

	topic.Emit("x")
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Fatalf("got %v, want [a:x b:x]", got)
	}

	if !topic.Off(id) {
		t.Fatal("Off returned false for registered id")
	}
	if topic.Off(id) {
		t.Error("second Off should return false")
	}

	got = nil
	topic.Emit("y")
	if len(got) != 1 || got[0] != "b:y" {
		t.Errorf("got %v, want [b:y]", got)
	}
	if topic.Len() != 1 {
		t.Errorf("Len() = %d, want 1", topic.Len())
	}
}

func TestTopic_EmitWithoutHandlers(t *testing.T) {
	var topic Topic[int]
	topic.Emit(1) // must not panic
}

func TestTopic_HandlerMayUnsubscribe(t *testing.T) {
	var topic Topic[int]
	calls := 0

	var id string
	id = topic.On(func(int) {
		calls++
		topic.Off(id)
	})

	topic.Emit(1)
	topic.Emit(2)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
