package blockdev_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/boardcore/internal/blockdev"
)

func TestImageCreateOpenRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flash.img")

	if err := blockdev.CreateImage(path, norGeo); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	dev, err := blockdev.OpenImage(path)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer dev.Close()

	if got, want := dev.Geometry(), norGeo; got != want {
		t.Errorf("Geometry = %+v, want %+v", got, want)
	}

	data := []byte("hello image")
	if err := dev.Program(4096, data); err != nil {
		t.Fatalf("Program: %v", err)
	}

	got := make([]byte, len(data))
	if err := dev.ReadAt(4096, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, data) {
		t.Errorf("read back %q, want %q", got, data)
	}
}

func TestImagePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nand.img")
	geo := blockdev.Geometry{Size: 32 * 1024, EraseAlign: 2048, ProgramAlign: 512}

	if err := blockdev.CreateImage(path, geo); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	dev, err := blockdev.OpenImage(path)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}

	if err := dev.Program(0, []byte{0xAB}); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dev2, err := blockdev.OpenImage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer dev2.Close()

	got := make([]byte, 1)
	if err := dev2.ReadAt(0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if got[0] != 0xAB {
		t.Errorf("byte 0 = %#x, want 0xAB", got[0])
	}
}

func TestImageSecondOpenIsLocked(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "psram.img")
	geo := blockdev.Geometry{Size: 4096, EraseAlign: 1, ProgramAlign: 1}

	if err := blockdev.CreateImage(path, geo); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	dev, err := blockdev.OpenImage(path)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer dev.Close()

	if _, err := blockdev.OpenImage(path); !errors.Is(err, blockdev.ErrLocked) {
		t.Errorf("second open = %v, want ErrLocked", err)
	}
}

func TestImageCreateRefusesExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flash.img")

	if err := blockdev.CreateImage(path, norGeo); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	if err := blockdev.CreateImage(path, norGeo); err == nil {
		t.Error("second CreateImage succeeded, want error")
	}
}

func TestImageRejectsTruncatedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.img")

	if err := blockdev.CreateImage(path, norGeo); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	if err := os.Truncate(path, 100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if _, err := blockdev.OpenImage(path); !errors.Is(err, blockdev.ErrBadImage) {
		t.Errorf("OpenImage truncated = %v, want ErrBadImage", err)
	}
}

func TestImageRejectsBadMagic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.img")

	if err := blockdev.CreateImage(path, norGeo); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.WriteAt([]byte("XXXX"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	_ = f.Close()

	if _, err := blockdev.OpenImage(path); !errors.Is(err, blockdev.ErrBadImage) {
		t.Errorf("OpenImage bad magic = %v, want ErrBadImage", err)
	}
}
