package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_Acquire_createsParentAndWritesPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "questengine.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("lock file empty, want pid")
	}
}

func Test_Acquire_secondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questengine.lock")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire = %v, want ErrAlreadyLocked", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	l2.Release()
}

func Test_Release_nilSafe(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}
