package gallery

import (
	"fmt"
	"sync"
)

// NoFilter is the category sentinel that shows every item.
const NoFilter = "All"

type Item struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	ImageURL    string `json:"imageUrl"`
	Description string `json:"description"`
}

// Viewer holds a read-only item list plus the current filter and the item
// shown in the detail overlay, if any.
type Viewer struct {
	mu       sync.RWMutex
	items    []Item
	filter   string
	selected *Item
}

func NewViewer(items []Item) *Viewer {
	owned := make([]Item, len(items))
	copy(owned, items)
	return &Viewer{items: owned, filter: NoFilter}
}

func (v *Viewer) Items() []Item {
	out := make([]Item, len(v.items))
	copy(out, v.items)
	return out
}

func (v *Viewer) Filter() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.filter
}

// SetFilter replaces the filter. The selection is left alone.
func (v *Viewer) SetFilter(category string) {
	v.mu.Lock()
	v.filter = category
	v.mu.Unlock()
}

// Select opens the overlay for item, or closes it when item is nil.
func (v *Viewer) Select(item *Item) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if item == nil {
		v.selected = nil
		return
	}
	selected := *item
	v.selected = &selected
}

func (v *Viewer) Selected() (Item, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.selected == nil {
		return Item{}, false
	}
	return *v.selected, true
}

func (v *Viewer) Visible() []Item {
	return FilterItems(v.items, v.Filter())
}

func (v *Viewer) Categories() []string {
	return Categories(v.items)
}

func (v *Viewer) Lookup(id string) (Item, bool) {
	for _, item := range v.items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// FilterItems keeps the items in category, in their original order. The
// NoFilter sentinel keeps everything.
func FilterItems(items []Item, category string) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if category == NoFilter || item.Category == category {
			out = append(out, item)
		}
	}
	return out
}

// Categories returns NoFilter followed by each distinct category in the
// order it first appears.
func Categories(items []Item) []string {
	seen := make(map[string]struct{}, len(items))
	out := []string{NoFilter}
	for _, item := range items {
		if _, ok := seen[item.Category]; ok {
			continue
		}
		seen[item.Category] = struct{}{}
		out = append(out, item.Category)
	}
	return out
}

var (
	generatedCategories = []string{"Abstract", "Industrial", "Character", "Environment"}
	generatedTitles     = []string{
		"Neon Genesis", "Void Structure", "Cyber Organic", "Chrome Heart",
		"Liquid Metal", "Neural Net", "Dark Matter", "Solar Flare",
		"Quantum Leap", "Obsidian Tower", "Silent Echo", "Prism Break",
	}
)

const generatedDescription = "Rendered in Blender 4.0 using Cycles. Focusing on subsurface scattering and volumetric lighting to create a sense of depth and atmosphere."

// Generate builds n placeholder artworks with deterministic ids, titles,
// categories and image URLs.
func Generate(n int) []Item {
	if n < 0 {
		n = 0
	}
	items := make([]Item, n)
	for i := range items {
		title := fmt.Sprintf("Project %d", i+1)
		if i < len(generatedTitles) {
			title = generatedTitles[i]
		}
		items[i] = Item{
			ID:          fmt.Sprintf("art-%d", i),
			Title:       title,
			Category:    generatedCategories[i%len(generatedCategories)],
			ImageURL:    fmt.Sprintf("https://picsum.photos/seed/%d/800/1000", i+135),
			Description: generatedDescription,
		}
	}
	return items
}
