// Package blockio implements the EFI BLOCK_IO-shaped bridge: lazy
// backing-URI open, a timeout-bounded command dispatch, ISO-9660
// auto-detection, and device-path synthesis.
//
// Grounded on original_source/src/interface/efi/efi_block.c (the
// Reset/ReadBlocks/WriteBlocks/FlushBlocks dispatch and the CD-ROM
// probe) and efi_path.c (the vendor device-path node).
package blockio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandTimeout is the 15 s timeout each block_command dispatch runs
// under, per spec.md §4.9 step 2.
const CommandTimeout = 15 * time.Second

// isoSectorSize is the ISO-9660 logical sector size probed for at
// sector 16.
const isoSectorSize = 2048

var isoMagic = [6]byte{0x01, 'C', 'D', '0', '0', '1'}

var (
	ErrTimeout      = errors.New("blockio: command timed out")
	ErrNotOpen      = errors.New("blockio: backing object not open")
	ErrOutOfRange   = errors.New("blockio: LBA range exceeds media capacity")
)

// Backend is the underlying object a Media is opened against (e.g. an
// internal/httpxfer.BlockDevice or internal/nbd session). ReadBlocks/
// WriteBlocks operate in BlockSize units already, matching the §4.9 contract.
type Backend interface {
	ReadCapacity(ctx context.Context) (blocks int64, blockSize uint32, err error)
	ReadBlocks(ctx context.Context, lba, count int64, buf []byte) error
	WriteBlocks(ctx context.Context, lba, count int64, buf []byte) error
}

// Media mirrors EFI_BLOCK_IO_MEDIA's fields this bridge actually uses.
type Media struct {
	BlockSize   uint32
	LastBlock   int64 // 0-based
	ReadOnly    bool
	RemovableMedia bool
}

// Device is the BLOCK_IO-shaped bridge over a lazily-opened Backend.
type Device struct {
	open    func(ctx context.Context) (Backend, error)
	backend Backend
	Media   Media

	blksizeShift uint // set when ISO-9660 auto-detection rescales native sectors to 2048 B
}

// NewDevice wraps an open func (URI-dependent construction lives in
// internal/opener) in a Device that defers the actual open until the
// first call.
func NewDevice(open func(ctx context.Context) (Backend, error)) *Device {
	return &Device{open: open}
}

// ensureOpen opens the backing URI lazily — on the first call after
// construction, and again on the next call if an open attempt failed —
// and runs ISO-9660 auto-detection. Once a backend has opened it is
// kept; errors from later commands do not close or reopen it.
func (d *Device) ensureOpen(ctx context.Context) error {
	if d.backend != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	b, err := d.open(ctx)
	if err != nil {
		return fmt.Errorf("blockio: open: %w", err)
	}
	blocks, blockSize, err := b.ReadCapacity(ctx)
	if err != nil {
		return fmt.Errorf("blockio: read capacity: %w", err)
	}
	d.backend = b
	d.Media.BlockSize = blockSize
	d.Media.LastBlock = blocks - 1

	d.detectISO9660(ctx)
	return nil
}

// detectISO9660 reads sector 16 (scaled for the native block size) and
// checks for the ISO-9660 primary volume descriptor magic, recording
// blksize_shift = log2(2048/native) on a match so EFI sees a CD-ROM
// with 2048-byte logical sectors.
func (d *Device) detectISO9660(ctx context.Context) {
	native := int64(d.Media.BlockSize)
	if native == 0 || isoSectorSize%native != 0 {
		return
	}
	scale := isoSectorSize / native
	sectorLBA := 16 * scale
	if sectorLBA+scale-1 > d.Media.LastBlock {
		return
	}

	buf := make([]byte, native*scale)
	if err := d.backend.ReadBlocks(ctx, sectorLBA, scale, buf); err != nil {
		return
	}
	if [6]byte(buf[:6]) != isoMagic {
		return
	}

	shift := uint(0)
	for n := scale; n > 1; n >>= 1 {
		shift++
	}
	d.blksizeShift = shift
	d.Media.BlockSize = isoSectorSize
	d.Media.LastBlock = (d.Media.LastBlock+1)>>shift - 1
}

// Reset is the BLOCK_IO Reset method: just (re)opens the backend.
func (d *Device) Reset(ctx context.Context) error {
	return d.ensureOpen(ctx)
}

// ReadBlocks reads count blocks starting at lba, bounded by
// CommandTimeout.
func (d *Device) ReadBlocks(ctx context.Context, lba, count int64, buf []byte) error {
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	if lba+count-1 > d.Media.LastBlock {
		return ErrOutOfRange
	}
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	nativeLBA, nativeCount := d.toNative(lba, count)
	return d.backend.ReadBlocks(ctx, nativeLBA, nativeCount, buf)
}

// WriteBlocks writes count blocks starting at lba, bounded by
// CommandTimeout.
func (d *Device) WriteBlocks(ctx context.Context, lba, count int64, buf []byte) error {
	if d.Media.ReadOnly {
		return fmt.Errorf("blockio: write on read-only media")
	}
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	if lba+count-1 > d.Media.LastBlock {
		return ErrOutOfRange
	}
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	nativeLBA, nativeCount := d.toNative(lba, count)
	return d.backend.WriteBlocks(ctx, nativeLBA, nativeCount, buf)
}

// FlushBlocks is a no-op bridge for backends with no write caching of
// their own (HTTP/NBD); kept as a distinct method to complete the
// five-method vtable from §4.9.
func (d *Device) FlushBlocks(ctx context.Context) error {
	return d.ensureOpen(ctx)
}

func (d *Device) toNative(lba, count int64) (int64, int64) {
	if d.blksizeShift == 0 {
		return lba, count
	}
	return lba << d.blksizeShift, count << d.blksizeShift
}

// VendorGUID is the device-path vendor node GUID carrying the UTF-16
// URI string, per spec.md §4.9.
var VendorGUID = uuid.MustParse("8998b594-f531-4e87-8bdf-8f88543e99d4")

// VendorDevicePathNode renders the vendor-GUID device-path node (GUID
// followed by the URI encoded as UTF-16LE, with no terminating NUL —
// EFI device-path strings are length-prefixed by the node header, not
// NUL-terminated).
func VendorDevicePathNode(uri string) []byte {
	utf16 := encodeUTF16LE(uri)
	guidBytes := efiGUIDBytes(VendorGUID)
	node := make([]byte, len(guidBytes)+len(utf16))
	copy(node, guidBytes)
	copy(node[len(guidBytes):], utf16)
	return node
}

// efiGUIDBytes renders a uuid.UUID in EFI_GUID's mixed-endian wire
// layout: the first three fields little-endian, the clock-seq and
// node fields as-is.
func efiGUIDBytes(id uuid.UUID) []byte {
	b := id[:]
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

func encodeUTF16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		if r <= 0xFFFF {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(r))
			out = append(out, b[:]...)
			continue
		}
		r -= 0x10000
		hi := uint16(0xD800 + (r >> 10))
		lo := uint16(0xDC00 + (r & 0x3FF))
		var b [4]byte
		binary.LittleEndian.PutUint16(b[0:2], hi)
		binary.LittleEndian.PutUint16(b[2:4], lo)
		out = append(out, b[:]...)
	}
	return out
}
