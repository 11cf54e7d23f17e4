package model

// Voice describes one entry of the narration voice catalog.
// The catalog is loaded from a JSON file and hot-reloaded on change.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"` // e.g. "en-US"
	Gender   string `json:"gender"`
	Provider string `json:"provider"` // preferred provider for this voice
	Default  bool   `json:"default"`  // used for the fast-start tier
}
