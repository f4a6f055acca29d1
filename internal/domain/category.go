package domain

// Category describes one generation kind: where its jobs live, which bucket
// pays for them, and whether a finished job can receive a cover image.
type Category struct {
	Kind               string // public generation kind, e.g. "story"
	Collection         string // job collection, e.g. "stories"
	Bucket             string // credit bucket consumed
	SupportsCoverImage bool
}

var categories = []Category{
	{Kind: "story", Collection: "stories", Bucket: "story", SupportsCoverImage: true},
	{Kind: "definition", Collection: "dictionary", Bucket: "definition"},
	{Kind: "image", Collection: "images", Bucket: "image"},
}

// Categories returns a copy of the registered categories.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// CategoryByCollection looks a category up by its job collection.
func CategoryByCollection(collection string) (Category, bool) {
	for _, c := range categories {
		if c.Collection == collection {
			return c, true
		}
	}
	return Category{}, false
}

// CategoryByKind looks a category up by its public generation kind.
func CategoryByKind(kind string) (Category, bool) {
	for _, c := range categories {
		if c.Kind == kind {
			return c, true
		}
	}
	return Category{}, false
}
