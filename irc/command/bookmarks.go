package command

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNoBookmark = errors.New("no such server bookmark")

// Bookmark is a saved server
type Bookmark struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`
}

// Bookmarks stores saved servers for the /server command
type Bookmarks interface {
	Add(b Bookmark) error
	Remove(name string) error
	List() []Bookmark
}

// MemoryBookmarks keeps bookmarks in memory, keyed by case-folded name
type MemoryBookmarks struct {
	mu    sync.RWMutex
	items map[string]Bookmark
}

func NewMemoryBookmarks(initial ...Bookmark) *MemoryBookmarks {
	m := &MemoryBookmarks{items: make(map[string]Bookmark)}
	for _, b := range initial {
		m.Add(b)
	}
	return m
}

func (m *MemoryBookmarks) Add(b Bookmark) error {
	if b.Name == "" || b.Host == "" {
		return errors.New("bookmark needs a name and a host")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[strings.ToLower(b.Name)] = b
	return nil
}

func (m *MemoryBookmarks) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(name)
	if _, ok := m.items[key]; !ok {
		return ErrNoBookmark
	}
	delete(m.items, key)
	return nil
}

// List returns bookmarks sorted by name
func (m *MemoryBookmarks) List() []Bookmark {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]Bookmark, 0, len(m.items))
	for _, b := range m.items {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
