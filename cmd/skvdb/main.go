// Command skvdb is a minimal demonstration front-end over the volume and
// vfs packages: open a volume, mount it, set and read back a property on
// the root entry. The command-line surface itself is outside the
// scope this module specifies; this exists to exercise the library the way
// a caller would.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/negativ/skvdb-sub000/engine"
	"github.com/negativ/skvdb-sub000/record"
	"github.com/negativ/skvdb-sub000/vfs"
	"github.com/negativ/skvdb-sub000/volume"
)

func main() {
	dir := flag.String("dir", ".", "directory holding the volume's .logd/.index files")
	name := flag.String("name", "skvdb", "volume name")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*dir, *name, logger); err != nil {
		logger.Error("skvdb: fatal", "error", err)
		os.Exit(1)
	}
}

func run(dir, name string, logger *slog.Logger) error {
	v, err := volume.Open(dir, name, engine.Options{CreateIfMissing: true, Logger: logger}, volume.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open volume: %w", err)
	}
	defer v.Close()

	vs := vfs.New()
	if err := vs.Mount(v, "/", "/", 0); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	// Unmount before v.Close runs: a claimed volume refuses to close, and
	// only Close persists the .index file.
	defer vs.Unmount(v, "/", "/")

	h, err := vs.Open("/")
	if err != nil {
		return fmt.Errorf("open /: %w", err)
	}
	defer vs.Close(h)

	if err := vs.SetProperty(h, "last-run", record.PropertyU64(uint64(os.Getpid()))); err != nil {
		return fmt.Errorf("set_property: %w", err)
	}

	p, ok, err := vs.Property(h, "last-run")
	if err != nil {
		return fmt.Errorf("property: %w", err)
	}
	if ok {
		n, _ := p.AsU64()
		logger.Info("root property", "last-run", n)
	}

	return nil
}
