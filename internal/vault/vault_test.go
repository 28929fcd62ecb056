package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestResolveKeyRef_Keyring(t *testing.T) {
	keyring.MockInit()
	v := New()

	if err := v.Set("client", "s3cret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := v.ResolveKeyRef("keyring://hookproxy/client")
	if err != nil {
		t.Fatalf("ResolveKeyRef: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("got %q, want %q", got, "s3cret")
	}

	if err := v.Delete("client"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := v.ResolveKeyRef("keyring://hookproxy/client"); err == nil {
		t.Error("expected error after Delete")
	}
}

func TestResolveKeyRef_EnvFormat(t *testing.T) {
	t.Setenv("HOOKPROXY_TEST_SECRET", "from-env")

	got, err := New().ResolveKeyRef("env:HOOKPROXY_TEST_SECRET")
	if err != nil {
		t.Fatalf("ResolveKeyRef: %v", err)
	}
	if got != "from-env" {
		t.Errorf("got %q, want %q", got, "from-env")
	}
}

func TestResolveKeyRef_EnvFormat_Unset(t *testing.T) {
	if _, err := New().ResolveKeyRef("env:HOOKPROXY_DEFINITELY_UNSET_VAR"); err == nil {
		t.Fatal("expected error for unset env var")
	}
}

func TestResolveKeyRef_InvalidFormats(t *testing.T) {
	keyring.MockInit()
	v := New()

	for _, ref := range []string{
		"plain-secret",
		"keyring://hookproxy/",
		"keyring://hookproxy",
		"keyring://other/client",
		"keychain:hookproxy/client",
	} {
		_, err := v.ResolveKeyRef(ref)
		if !errors.Is(err, ErrInvalidRef) {
			t.Errorf("ResolveKeyRef(%q): got %v, want ErrInvalidRef", ref, err)
		}
	}
}

func TestResolveKeyRef_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := New().ResolveKeyRef("file://" + path)
	if err != nil {
		t.Fatalf("ResolveKeyRef: %v", err)
	}
	if got != "from-file" {
		t.Errorf("got %q, want %q", got, "from-file")
	}
}

func TestResolveKeyRef_FileFormat_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	v := New()
	if _, err := v.ResolveKeyRef("file://" + filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := v.ResolveKeyRef("file://" + empty); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestGet_EnvFallback(t *testing.T) {
	keyring.MockInit()
	t.Setenv("HOOKPROXY_SECRET_UPSTREAM_API", "env-secret")

	got, err := New().Get("upstream-api")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "env-secret" {
		t.Errorf("got %q, want %q", got, "env-secret")
	}
}

func TestList(t *testing.T) {
	keyring.MockInit()
	t.Setenv("HOOKPROXY_SECRET_FROM_ENV", "x")
	v := New()
	if err := v.Set("stored", "y"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := v.List([]string{"stored", "from-env", "absent"})
	if len(got) != 2 || got[0] != "stored" || got[1] != "from-env" {
		t.Errorf("List: got %v", got)
	}
}

func TestRefName(t *testing.T) {
	if name, ok := RefName("keyring://hookproxy/client"); !ok || name != "client" {
		t.Errorf("RefName: got %q, %v", name, ok)
	}
	if _, ok := RefName("env:X"); ok {
		t.Error("env refs have no keychain name")
	}
}
