package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Importer ingests the body of one dropped indicator list and reports how
// many new indicators it added.
type Importer interface {
	ImportCustomIndicators(ctx context.Context, content string) (int64, error)
}

// IndicatorWatcher watches a drop-in directory for .txt indicator lists and
// imports each into the custom feed. Imported files are renamed with an
// .imported suffix so a restart does not re-process them.
type IndicatorWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	importer Importer
	logger   *logrus.Logger
	debounce time.Duration

	mu         sync.Mutex
	processing map[string]bool
}

// NewIndicatorWatcher creates the watcher, creating watchDir if needed.
func NewIndicatorWatcher(watchDir string, importer Importer, logger *logrus.Logger) (*IndicatorWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	iw := &IndicatorWatcher{
		watcher:    w,
		watchDir:   watchDir,
		importer:   importer,
		logger:     logger,
		debounce:   2 * time.Second,
		processing: make(map[string]bool),
	}

	logger.WithField("watch_dir", watchDir).Info("Indicator watcher created")
	return iw, nil
}

// Start imports any lists already present, then follows directory events.
func (iw *IndicatorWatcher) Start(ctx context.Context) error {
	if err := iw.scanExisting(ctx); err != nil {
		iw.logger.WithError(err).Warn("Failed to scan existing indicator files")
	}
	go iw.eventLoop(ctx)
	iw.logger.Info("Indicator watcher started")
	return nil
}

// Close stops watching.
func (iw *IndicatorWatcher) Close() error {
	return iw.watcher.Close()
}

func (iw *IndicatorWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(iw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isIndicatorList(entry.Name()) {
			continue
		}
		path := filepath.Join(iw.watchDir, entry.Name())
		iw.logger.WithField("file", entry.Name()).Info("Found existing indicator file")
		go iw.handleFile(ctx, path)
	}
	return nil
}

func (iw *IndicatorWatcher) eventLoop(ctx context.Context) {
	debounceTimer := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != fsnotify.Create &&
				event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			if !isIndicatorList(filepath.Base(event.Name)) {
				continue
			}

			// Debounce: repeated writes to the same file trigger one import.
			if timer, exists := debounceTimer[event.Name]; exists {
				timer.Stop()
			}
			debounceTimer[event.Name] = time.AfterFunc(iw.debounce, func() {
				delete(debounceTimer, event.Name)
				iw.handleFile(ctx, event.Name)
			})

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (iw *IndicatorWatcher) handleFile(ctx context.Context, path string) {
	iw.mu.Lock()
	if iw.processing[path] {
		iw.mu.Unlock()
		return
	}
	iw.processing[path] = true
	iw.mu.Unlock()
	defer func() {
		iw.mu.Lock()
		delete(iw.processing, path)
		iw.mu.Unlock()
	}()

	if err := iw.waitForFileReady(path); err != nil {
		iw.logger.WithError(err).WithField("file", path).Error("Indicator file not ready")
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		iw.logger.WithError(err).WithField("file", path).Error("Failed to read indicator file")
		return
	}

	added, err := iw.importer.ImportCustomIndicators(ctx, string(content))
	if err != nil {
		iw.logger.WithError(err).WithField("file", path).Error("Failed to import indicators")
		return
	}

	if err := os.Rename(path, path+".imported"); err != nil {
		iw.logger.WithError(err).WithField("file", path).Warn("Failed to rename imported file")
	}

	iw.logger.WithFields(logrus.Fields{
		"file":  filepath.Base(path),
		"added": added,
	}).Info("Indicator file imported")
}

// waitForFileReady polls until the file size is stable, so a list still
// being written is not imported half-way.
func (iw *IndicatorWatcher) waitForFileReady(path string) error {
	maxAttempts := 10
	for i := 0; i < maxAttempts; i++ {
		info1, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		time.Sleep(500 * time.Millisecond)

		info2, err := os.Stat(path)
		if err != nil {
			return err
		}

		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}
	return fmt.Errorf("file size did not stabilize")
}

func isIndicatorList(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".txt")
}
