package versions

import "testing"

func mustEntityID(t *testing.T, value string) EntityID {
	t.Helper()
	id, err := NewEntityID(value)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	return id
}

func mustVersionID(t *testing.T, value string) VersionID {
	t.Helper()
	id, err := NewVersionID(value)
	if err != nil {
		t.Fatalf("unexpected version id error: %v", err)
	}
	return id
}

func mustPublishNote(t *testing.T, value string) PublishNote {
	t.Helper()
	note, err := NewPublishNote(value)
	if err != nil {
		t.Fatalf("unexpected publish note error: %v", err)
	}
	return note
}

func mustNewConfig(t *testing.T, literal string) Config {
	t.Helper()
	cfg, err := NewConfig([]byte(literal))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	return cfg
}
