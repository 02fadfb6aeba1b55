package gitlab

import (
	"os"
	"testing"
	"time"
)

func TestTokenFile_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	saved := &TokenFile{
		Token:   "glpat-abc",
		Server:  "https://git.example.com",
		SavedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := SaveToken(saved); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	info, err := os.Stat(TokenFilePath())
	if err != nil {
		t.Fatalf("Stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode: got %o, want 0600", perm)
	}

	loaded, err := LoadToken()
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if loaded.Token != saved.Token || loaded.Server != saved.Server {
		t.Errorf("loaded token mismatch: got %+v", loaded)
	}

	if err := DeleteToken(); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if _, err := LoadToken(); err == nil {
		t.Error("LoadToken succeeded after delete")
	}
}
