package credential

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileProvider serves tokens read from a file, one per line. Blank lines and
// lines starting with '#' are ignored. When watching is enabled the file is
// reloaded whenever it changes; a reload that yields no tokens keeps the
// previous set.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	pool *Pool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileProvider loads tokens from path. The file must contain at least one token.
func NewFileProvider(path string, watch bool) (*FileProvider, error) {
	p := &FileProvider{
		path:   path,
		logger: slog.Default().With("component", "credential.file"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	tokens, err := readTokens(path)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens found in %s", path)
	}
	p.pool = NewPool(tokens)

	if !watch {
		close(p.doneCh)
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	p.watcher = watcher
	go p.watchLoop()

	p.logger.Info("token file loaded", "path", path, "tokens", len(tokens), "watch", true)
	return p, nil
}

func (p *FileProvider) CurrentToken() string {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()
	return pool.CurrentToken()
}

// Len reports how many tokens are currently loaded.
func (p *FileProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool.Len()
}

// Reload re-reads the token file.
func (p *FileProvider) Reload() error {
	tokens, err := readTokens(p.path)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no tokens found in %s", p.path)
	}
	p.mu.Lock()
	p.pool = NewPool(tokens)
	p.mu.Unlock()
	return nil
}

// Close stops watching the file.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	close(p.stopCh)
	err := p.watcher.Close()
	<-p.doneCh
	return err
}

func (p *FileProvider) watchLoop() {
	defer close(p.doneCh)
	target := filepath.Clean(p.path)
	for {
		select {
		case <-p.stopCh:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("token file reload failed, keeping previous tokens", "path", p.path, "error", err)
				continue
			}
			p.logger.Info("token file reloaded", "path", p.path, "tokens", p.Len())
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("token file watcher error", "error", err)
		}
	}
}

func readTokens(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var tokens []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning token file: %w", err)
	}
	return tokens, nil
}
