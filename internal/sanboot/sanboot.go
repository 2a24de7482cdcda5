// Package sanboot implements the SAN boot driver: a drive-number
// registry plus san_hook/unhook/boot, probing synthesised filesystems
// for \EFI\BOOT\BOOT{ARCH}.EFI and chainloading the first one that
// loads and starts.
//
// Grounded on spec.md §4.10 directly — no SAN-driver source file made
// it into original_source/'s file cap — following the block bridge's
// own device-path/registry idiom (internal/blockio) for how a drive
// is represented and looked up.
package sanboot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pxeboot/corepipe/internal/blockio"
)

// firstDriveNumber is the first BIOS-style drive number handed out;
// matches the conventional "hard disks start at 0x80" numbering a SAN
// drive slots into alongside any local disks.
const firstDriveNumber = 0x80

var (
	// ErrNoSuchDrive is returned by Unhook/Boot for an unregistered
	// drive number; Unhook treats it as success (idempotent per
	// spec.md §8's "san_unhook is idempotent" round-trip law).
	ErrNoSuchDrive      = errors.New("sanboot: no such drive")
	ErrNoBootableImage  = errors.New("sanboot: no bootable image found on any filesystem")
	ErrAlreadyHooked    = errors.New("sanboot: URI already hooked to a different drive")
)

// Drive is one hooked SAN device: the backing URI, its block bridge,
// and the opaque handle used to match it back to a device path the
// way EFI's vendor device-path node does.
type Drive struct {
	Number uint32
	ID     uuid.UUID
	URI    string
	Device *blockio.Device
}

// FileSystem is a SIMPLE_FILE_SYSTEM child the boot driver probes for
// a chainload image. Root is the device-path prefix EFI would report
// for this filesystem; HasFile reports whether path exists under it.
type FileSystem interface {
	Root() string
	HasFile(ctx context.Context, path string) bool
}

// Loader performs EFI's LoadImage+StartImage pair on a fully qualified
// device path; the first filesystem whose chainload image loads and
// starts wins, matching spec.md §4.10.
type Loader interface {
	LoadImage(ctx context.Context, devicePath string) error
}

// Registry is the process-wide drive-number registry (spec.md §5's
// "SAN drive registry" singleton), held as an explicit field of
// Runtime rather than a package global.
type Registry struct {
	mu       sync.Mutex
	drives   map[uint32]*Drive
	byURI    map[string]uint32
	next     uint32
	chainTpl *template.Template
}

// NewRegistry returns an empty registry with the chainload path
// template \EFI\BOOT\BOOT{{.Arch | upper}}.EFI compiled with sprig's
// FuncMap (upper, among others).
func NewRegistry() (*Registry, error) {
	tpl, err := template.New("chainload").Funcs(sprig.TxtFuncMap()).
		Parse(`\EFI\BOOT\BOOT{{.Arch | upper}}.EFI`)
	if err != nil {
		return nil, fmt.Errorf("sanboot: compile chainload template: %w", err)
	}
	return &Registry{
		drives:   make(map[uint32]*Drive),
		byURI:    make(map[string]uint32),
		next:     firstDriveNumber,
		chainTpl: tpl,
	}, nil
}

// Hook registers uri/dev under a freshly allocated drive number and
// returns the resulting Drive. Hooking the same URI twice returns
// ErrAlreadyHooked rather than silently minting a second drive number
// for the same backing store.
func (r *Registry) Hook(uri string, dev *blockio.Device) (*Drive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byURI[uri]; exists {
		return nil, ErrAlreadyHooked
	}

	number := r.next
	r.next++

	d := &Drive{Number: number, ID: uuid.New(), URI: uri, Device: dev}
	r.drives[number] = d
	r.byURI[uri] = number
	return d, nil
}

// Unhook removes drive number from the registry. It is idempotent:
// unhooking an already-absent number is a no-op, per spec.md §8's
// round-trip law `san_hook(uri,d); san_unhook(d)` leaves the registry
// empty.
func (r *Registry) Unhook(number uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drives[number]
	if !ok {
		return nil
	}
	delete(r.drives, number)
	delete(r.byURI, d.URI)
	return nil
}

// Lookup returns the Drive registered under number.
func (r *Registry) Lookup(number uint32) (*Drive, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drives[number]
	return d, ok
}

// Len reports how many drives are currently hooked, mainly for tests
// asserting the registry-empty round trip.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drives)
}

// chainloadPath renders \EFI\BOOT\BOOT{ARCH}.EFI for the given
// architecture tag (e.g. "x64", "aa64").
func (r *Registry) chainloadPath(arch string) (string, error) {
	var buf bytes.Buffer
	if err := r.chainTpl.Execute(&buf, struct{ Arch string }{Arch: arch}); err != nil {
		return "", fmt.Errorf("sanboot: render chainload path: %w", err)
	}
	return buf.String(), nil
}

// Boot connects all candidate filesystems in parallel (the Go analogue
// of "connect all UEFI handle-protocol drivers"), probes each for the
// chainload image, and loads the first one found, moving on to the next
// one found whenever LoadImage fails. Probing runs
// concurrently via errgroup since the filesystems are independent
// handles with no shared state; the winner is whichever completes its
// HasFile probe and reports true first, making the choice among
// multiple bootable filesystems intentionally non-deterministic, the
// same way racing concurrent handle probes is in the original.
func (r *Registry) Boot(ctx context.Context, number uint32, arch string, filesystems []FileSystem, loader Loader) error {
	if _, ok := r.Lookup(number); !ok {
		return ErrNoSuchDrive
	}
	path, err := r.chainloadPath(arch)
	if err != nil {
		return err
	}

	type hit struct {
		root string
	}
	found := make(chan hit, len(filesystems))

	g, gctx := errgroup.WithContext(ctx)
	for _, fs := range filesystems {
		fs := fs
		g.Go(func() error {
			if fs.HasFile(gctx, path) {
				select {
				case found <- hit{root: fs.Root()}:
				default:
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sanboot: filesystem probe: %w", err)
	}
	close(found)

	lastErr := ErrNoBootableImage
	for winner := range found {
		if lastErr = loader.LoadImage(ctx, winner.root+path); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// DevicePathPrefix reports the device-path prefix filesystems on this
// drive are expected to share, derived from the drive's synthesised
// URI the same way blockio's vendor-GUID node lets EFI match a block
// device back to its URI.
func (d *Drive) DevicePathPrefix() string {
	return strings.TrimSuffix(d.URI, "/")
}
