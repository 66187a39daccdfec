package fsdev

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddLVCreatesSymlink(t *testing.T) {
	root := t.TempDir()
	pub := NewDevLinks(root, "/dev/mapper", "vg0", nil)

	if err := pub.AddLV("lvol0", "vg0-lvol0"); err != nil {
		t.Fatalf("AddLV failed: %v", err)
	}

	link := filepath.Join(root, "vg0", "lvol0")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink failed: %v", err)
	}
	if target != "/dev/mapper/vg0-lvol0" {
		t.Errorf("link target = %q, want %q", target, "/dev/mapper/vg0-lvol0")
	}
}

func TestAddLVReplacesStaleLink(t *testing.T) {
	root := t.TempDir()
	pub := NewDevLinks(root, "/dev/mapper", "vg0", nil)

	if err := pub.AddLV("lvol0", "vg0-old"); err != nil {
		t.Fatalf("AddLV failed: %v", err)
	}
	if err := pub.AddLV("lvol0", "vg0-lvol0"); err != nil {
		t.Fatalf("AddLV over stale link failed: %v", err)
	}

	target, err := os.Readlink(filepath.Join(root, "vg0", "lvol0"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "/dev/mapper/vg0-lvol0" {
		t.Errorf("link target = %q, want refreshed target", target)
	}
}

func TestDelLV(t *testing.T) {
	root := t.TempDir()
	pub := NewDevLinks(root, "/dev/mapper", "vg0", nil)

	if err := pub.AddLV("lvol0", "vg0-lvol0"); err != nil {
		t.Fatal(err)
	}
	if err := pub.DelLV("lvol0"); err != nil {
		t.Fatalf("DelLV failed: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(root, "vg0", "lvol0")); !os.IsNotExist(err) {
		t.Errorf("link still present after DelLV (err = %v)", err)
	}
}

func TestDelLVMissingIsIdempotent(t *testing.T) {
	pub := NewDevLinks(t.TempDir(), "/dev/mapper", "vg0", nil)
	if err := pub.DelLV("never-added"); err != nil {
		t.Errorf("DelLV on missing link failed: %v", err)
	}
}
