// Package storage persists the keyword watchlist as a JSON file. The
// crawler CLI works through this list batch by batch; the file survives
// restarts so interrupted runs pick up where they stopped.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type WatchKeyword struct {
	Keyword     string     `json:"keyword"`
	MaxItems    int        `json:"max_items"`
	ImportOnly  bool       `json:"import_only"`
	Status      string     `json:"status"` // pending, crawling, done, failed
	Collected   int        `json:"collected"`
	AddedAt     time.Time  `json:"added_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastCrawled *time.Time `json:"last_crawled,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type Watchlist struct {
	mu       sync.RWMutex
	keywords map[string]*WatchKeyword
	filename string
}

func NewWatchlist(filename string) (*Watchlist, error) {
	wl := &Watchlist{
		keywords: make(map[string]*WatchKeyword),
		filename: filename,
	}

	// Load existing data if file exists
	if err := wl.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return wl, nil
}

func (wl *Watchlist) Add(kw *WatchKeyword) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if kw.Keyword == "" {
		return fmt.Errorf("keyword is required")
	}

	kw.AddedAt = time.Now()
	kw.UpdatedAt = time.Now()
	if kw.Status == "" {
		kw.Status = "pending"
	}

	wl.keywords[kw.Keyword] = kw
	return wl.save()
}

func (wl *Watchlist) AddBatch(keywords []*WatchKeyword) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for _, kw := range keywords {
		if kw.Keyword == "" {
			continue
		}

		kw.AddedAt = time.Now()
		kw.UpdatedAt = time.Now()
		if kw.Status == "" {
			kw.Status = "pending"
		}

		wl.keywords[kw.Keyword] = kw
	}

	return wl.save()
}

func (wl *Watchlist) Get(keyword string) (*WatchKeyword, bool) {
	wl.mu.RLock()
	defer wl.mu.RUnlock()

	kw, exists := wl.keywords[keyword]
	return kw, exists
}

func (wl *Watchlist) GetPending() []*WatchKeyword {
	wl.mu.RLock()
	defer wl.mu.RUnlock()

	var pending []*WatchKeyword
	for _, kw := range wl.keywords {
		if kw.Status == "pending" {
			pending = append(pending, kw)
		}
	}
	return pending
}

// MarkCrawled records the outcome of one keyword crawl.
func (wl *Watchlist) MarkCrawled(keyword string, collected int, crawlErr error) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	kw, exists := wl.keywords[keyword]
	if !exists {
		return fmt.Errorf("keyword not found: %s", keyword)
	}

	now := time.Now()
	kw.UpdatedAt = now
	kw.LastCrawled = &now
	kw.Collected = collected
	if crawlErr != nil {
		kw.Status = "failed"
		kw.Error = crawlErr.Error()
	} else {
		kw.Status = "done"
		kw.Error = ""
	}

	return wl.save()
}

func (wl *Watchlist) UpdateStatus(keyword, status string, errorMsg string) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	kw, exists := wl.keywords[keyword]
	if !exists {
		return fmt.Errorf("keyword not found: %s", keyword)
	}

	kw.Status = status
	kw.UpdatedAt = time.Now()
	kw.Error = errorMsg

	return wl.save()
}

func (wl *Watchlist) GetStats() map[string]int {
	wl.mu.RLock()
	defer wl.mu.RUnlock()

	stats := make(map[string]int)
	for _, kw := range wl.keywords {
		stats[kw.Status]++
	}
	stats["total"] = len(wl.keywords)
	return stats
}

func (wl *Watchlist) save() error {
	data, err := json.MarshalIndent(wl.keywords, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := wl.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	// Rename to actual file
	return os.Rename(tmpFile, wl.filename)
}

func (wl *Watchlist) Load() error {
	data, err := os.ReadFile(wl.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &wl.keywords)
}
