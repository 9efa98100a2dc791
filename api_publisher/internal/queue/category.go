package queue

import "strings"

// DefaultCategory is assigned when no keyword matches.
const DefaultCategory = "other"

// Category is a named keyword list. Matching is case-insensitive substring.
type Category struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Classifier assigns the first category, in order, with a matching keyword.
type Classifier struct {
	categories []Category
}

func NewClassifier(categories []Category) *Classifier {
	normalized := make([]Category, 0, len(categories))
	for _, c := range categories {
		kws := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		normalized = append(normalized, Category{Name: c.Name, Keywords: kws})
	}
	return &Classifier{categories: normalized}
}

func (c *Classifier) Classify(text string) string {
	if c == nil {
		return DefaultCategory
	}
	lower := strings.ToLower(text)
	for _, cat := range c.categories {
		for _, kw := range cat.Keywords {
			if strings.Contains(lower, kw) {
				return cat.Name
			}
		}
	}
	return DefaultCategory
}

// BuiltinCategories are the stock keyword sets a stream can reference by name.
var BuiltinCategories = map[string][]Category{
	"museum": {
		{Name: "painting", Keywords: []string{"painting", "oil on canvas", "watercolor", "fresco", "painted"}},
		{Name: "sculpture", Keywords: []string{"sculpture", "statue", "bust", "relief", "figure", "carved figure"}},
		{Name: "weapons", Keywords: []string{"weapon", "armor", "sword", "dagger", "shield", "arms", "helmet"}},
		{Name: "jewelry", Keywords: []string{"jewelry", "ring", "necklace", "brooch", "crown", "gold", "tiara", "cameo"}},
		{Name: "textile", Keywords: []string{"textile", "silk", "tapestry", "fabric", "costume", "embroidery", "kimono"}},
		{Name: "ceramics", Keywords: []string{"ceramic", "pottery", "porcelain", "vase", "bowl", "stoneware", "faience"}},
		{Name: "photography", Keywords: []string{"photograph", "photo", "daguerreotype", "albumen"}},
		{Name: "prints", Keywords: []string{"print", "woodcut", "etching", "lithograph", "woodblock"}},
		{Name: "furniture", Keywords: []string{"furniture", "chair", "table", "cabinet", "desk"}},
		{Name: "ritual", Keywords: []string{"ritual", "ceremony", "reliquary", "votive", "altar"}},
		{Name: "manuscript", Keywords: []string{"manuscript", "illuminat", "codex", "calligraph", "parchment"}},
		{Name: "automaton", Keywords: []string{"automaton", "clockwork", "mechanical", "clock"}},
	},
	"architecture": {
		{Name: "ryokan", Keywords: []string{"ryokan", "onsen", "rotenburo", "hot spring", "bath"}},
		{Name: "temple", Keywords: []string{"temple", "shrine", "jinja", "tera", "karesansui"}},
		{Name: "historic-house", Keywords: []string{"kominka", "machiya", "taisho", "meiji", "edo-period", "former residence", "preserved"}},
		{Name: "modern-architecture", Keywords: []string{"architect", "concrete", "steel", "shell", "parabolic", "brutalist", "modernist"}},
		{Name: "residential", Keywords: []string{"tatami mat", "apartment", "1ldk", "2ldk", "small space"}},
		{Name: "craft", Keywords: []string{"kumiko", "woodwork", "lacquer", "craft", "joinery", "yakimono"}},
		{Name: "adaptive-reuse", Keywords: []string{"sauna", "converted", "repurposed", "adaptive", "pop-up"}},
		{Name: "garden", Keywords: []string{"garden", "engawa", "landscape", "moss", "stone path"}},
	},
}
