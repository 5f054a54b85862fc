package files

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
)

// Catalog is the canonical record of shared files. Append-only during a
// server lifetime except for the one-time startup scan.
type Catalog struct {
	mu    sync.RWMutex
	files map[string]domain.SharedFile
}

func NewCatalog() *Catalog {
	return &Catalog{files: make(map[string]domain.SharedFile)}
}

// LoadDir discovers files already present in the storage directory.
// They are attributed to the server, not to any uploader.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		c.files[filepath.Base(entry.Name())] = domain.SharedFile{
			Size:     info.Size(),
			Uploader: domain.ServerUploader,
		}
		loaded++
	}
	return loaded, nil
}

func (c *Catalog) Add(name string, size int64, uploader string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[name] = domain.SharedFile{Size: size, Uploader: uploader}
}

func (c *Catalog) Get(name string) (domain.SharedFile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[name]
	return f, ok
}

func (c *Catalog) Snapshot() map[string]domain.SharedFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.SharedFile, len(c.files))
	for name, f := range c.files {
		out[name] = f
	}
	return out
}
