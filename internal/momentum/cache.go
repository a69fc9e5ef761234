package momentum

import (
	"context"
	"log"
)

// Cache is the façade the scanner and cycle orchestrator use: it owns both
// SQLite handles and implements the write-hot-then-archive procedure from
// spec §4.3. A failed archive write does not roll back the hot-cache write.
type Cache struct {
	hot     *HotCache
	archive *Archive
	logger  *log.Logger
}

// New opens both SQLite handles: the hot cache at hotPath and the archive
// at archivePath (cmd/daemon passes momentum_cache.db and
// momentum_history.db).
func New(hotPath, archivePath string, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	hot, err := NewHotCache(hotPath)
	if err != nil {
		return nil, err
	}
	archive, err := NewArchive(archivePath)
	if err != nil {
		hot.Close()
		return nil, err
	}
	return &Cache{hot: hot, archive: archive, logger: logger}, nil
}

// Write rewrites the hot cache for result.ScanDate and then archives it.
// A hot-cache failure is returned to the caller (the write is transactional
// and nothing was left partially applied). An archive failure is logged as
// ARCHIVE_FAILED and swallowed: the scan itself still succeeded.
func (c *Cache) Write(ctx context.Context, result ScanResult) error {
	if err := c.hot.Replace(ctx, result); err != nil {
		return err
	}
	if err := c.archive.Upsert(ctx, result); err != nil {
		c.logger.Printf("ARCHIVE_FAILED: scan_date=%s err=%v", result.ScanDate, err)
	}
	return nil
}

// Hot returns the hot cache handle for read paths (watchlist, regime, stats).
func (c *Cache) Hot() *HotCache { return c.hot }

// History returns the archive handle for symbol time-series reads.
func (c *Cache) History() *Archive { return c.archive }

// Close closes both underlying database handles.
func (c *Cache) Close() error {
	archErr := c.archive.Close()
	hotErr := c.hot.Close()
	if hotErr != nil {
		return hotErr
	}
	return archErr
}
