package config

import "lobuilder/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	File       string          `yaml:"file"`       // empty = stderr
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no logging
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false if debug_mode is false.
// Returns true if debug_mode is true and category is enabled (or not specified).
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// ToLogging converts the section into the logger's configuration. With
// debug_mode off only the audit category stays enabled.
func (c *LoggingConfig) ToLogging() logging.Config {
	cats := c.Categories
	if !c.DebugMode {
		cats = map[string]bool{}
		for _, cat := range logging.AllCategories() {
			cats[string(cat)] = cat == logging.CategoryAudit
		}
	}
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		Categories: cats,
	}
}
