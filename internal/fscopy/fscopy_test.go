package fscopy_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/boardcore/internal/backfs"
	"github.com/calvinalkan/boardcore/internal/blockdev"
	"github.com/calvinalkan/boardcore/internal/fscopy"
)

// rig holds one unmounted volume per backend, like the board does.
type rig struct {
	vols map[backfs.Backend]*backfs.Volume
}

func newRig(t *testing.T) *rig {
	t.Helper()

	r := &rig{vols: make(map[backfs.Backend]*backfs.Volume)}

	for _, backend := range []backfs.Backend{backfs.Flash, backfs.Nand, backfs.Psram} {
		p := backend.Params()

		dev, err := blockdev.NewMem(blockdev.Geometry{
			Size: 256 * 1024, EraseAlign: p.EraseAlign, ProgramAlign: p.ProgramAlign,
		})
		require.NoError(t, err)

		vol, err := backfs.New(backend, dev)
		require.NoError(t, err)

		r.vols[backend] = vol
	}

	return r
}

func (r *rig) resolve(backend backfs.Backend) (*backfs.Volume, error) {
	return r.vols[backend], nil
}

func (r *rig) mounted(t *testing.T, backend backfs.Backend) *backfs.Volume {
	t.Helper()

	vol := r.vols[backend]
	require.NoError(t, vol.Mount(true))

	return vol
}

func TestParseSpec(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in          string
		wantBackend backfs.Backend
		wantPath    string
		wantErr     bool
	}{
		{in: "flash:/a", wantBackend: backfs.Flash, wantPath: "/a"},
		{in: "psram:code/blob", wantBackend: backfs.Psram, wantPath: "code/blob"},
		{in: "nand:x", wantBackend: backfs.Nand, wantPath: "x"},
		{in: "noprefix", wantErr: true},
		{in: "sdcard:/a", wantErr: true},
		{in: "", wantErr: true},
	} {
		tt := tt

		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			spec, err := fscopy.ParseSpec(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, backfs.ErrInvalidArgument)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantBackend, spec.Backend)
			require.Equal(t, tt.wantPath, spec.Path)
		})
	}
}

func TestCopyRoundTrip(t *testing.T) {
	t.Parallel()

	// Property: after fscp src:X dst:Y, reading Y returns exactly X's
	// bytes — across every backend pair.
	data := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 700)

	for _, src := range []string{"flash", "nand", "psram"} {
		for _, dst := range []string{"flash", "nand", "psram"} {
			if src == dst {
				continue
			}

			src, dst := src, dst

			t.Run(src+"_to_"+dst, func(t *testing.T) {
				t.Parallel()

				r := newRig(t)

				srcBackend, err := backfs.ParseBackend(src)
				require.NoError(t, err)
				require.NoError(t, r.mounted(t, srcBackend).Create("a", 0, data))

				require.NoError(t, fscopy.Copy(r.resolve, src+":/a", dst+":/b", false))

				dstBackend, err := backfs.ParseBackend(dst)
				require.NoError(t, err)

				got := make([]byte, len(data))
				n, err := r.vols[dstBackend].Read("b", got)
				require.NoError(t, err)
				require.Equal(t, data, got[:n])
			})
		}
	}
}

func TestCopySmallFlashToPsram(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Flash).Create("a", 0, []byte{0x01, 0x02, 0x03}))

	require.NoError(t, fscopy.Copy(r.resolve, "flash:/a", "psram:/b", false))

	info, err := r.vols[backfs.Psram].Stat("b")
	require.NoError(t, err)
	require.EqualValues(t, 3, info.Size)

	got := make([]byte, 3)
	_, err = r.vols[backfs.Psram].Read("b", got)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got)
}

func TestCopyReservation(t *testing.T) {
	t.Parallel()

	// reserve = max(src.capacity, roundUp(src.size, dst.eraseAlign),
	// dst.eraseAlign). A psram source with a small slot still gets a
	// full erase unit on flash.
	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Psram).Create("tiny", 0, []byte("abc")))

	require.NoError(t, fscopy.Copy(r.resolve, "psram:tiny", "flash:tiny", false))

	info, err := r.vols[backfs.Flash].Stat("tiny")
	require.NoError(t, err)
	require.EqualValues(t, 4096, info.Capacity)
	require.EqualValues(t, 3, info.Size)
}

func TestCopyDestinationExists(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Flash).Create("a", 0, []byte("new")))
	require.NoError(t, r.mounted(t, backfs.Psram).Create("b", 0, []byte("old")))

	err := fscopy.Copy(r.resolve, "flash:/a", "psram:/b", false)
	require.ErrorIs(t, err, backfs.ErrExists)

	// Destination untouched.
	got := make([]byte, 3)
	_, err = r.vols[backfs.Psram].Read("b", got)
	require.NoError(t, err)
	require.Equal(t, "old", string(got))

	// Force replaces.
	require.NoError(t, fscopy.Copy(r.resolve, "flash:/a", "psram:/b", true))

	_, err = r.vols[backfs.Psram].Read("b", got)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestCopyTrailingSlashAppendsBasename(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Flash).Create("code/blob.bin", 0, []byte("x")))

	require.NoError(t, fscopy.Copy(r.resolve, "flash:code/blob.bin", "psram:/", false))

	require.True(t, r.vols[backfs.Psram].Exists("blob.bin"))
}

func TestCopyZeroSizeSource(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Psram).Create("empty", 0, nil))

	require.NoError(t, fscopy.Copy(r.resolve, "psram:empty", "flash:empty", false))

	info, err := r.vols[backfs.Flash].Stat("empty")
	require.NoError(t, err)
	require.Zero(t, info.Size)
	require.EqualValues(t, 4096, info.Capacity)
}

func TestCopySameNameSameBackendRewrites(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Flash).Create("a", 0, []byte("self")))

	// Allowed without force; treated as a rewrite.
	require.NoError(t, fscopy.Copy(r.resolve, "flash:a", "flash:a", false))

	got := make([]byte, 4)
	_, err := r.vols[backfs.Flash].Read("a", got)
	require.NoError(t, err)
	require.Equal(t, "self", string(got))
}

func TestCopyMissingSource(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	err := fscopy.Copy(r.resolve, "flash:/ghost", "psram:/b", false)
	require.ErrorIs(t, err, backfs.ErrNotFound)
}

func TestCopyLongNameRejected(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	require.NoError(t, r.mounted(t, backfs.Flash).Create("a", 0, []byte("x")))

	err := fscopy.Copy(r.resolve, "flash:/a", "psram:/"+strings.Repeat("n", 33), false)
	require.ErrorIs(t, err, backfs.ErrInvalidArgument)
}
