package features

import (
	"encoding/json"
	"sync"
	"time"
)

// Flag represents a feature flag with metadata
type Flag struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tags        []string  `json:"tags,omitempty"`
}

// Flag name constants for type safety
const (
	// FlagStrictAssertions makes programming errors fatal instead of
	// logged-and-ignored.
	FlagStrictAssertions = "strict_assertions"
	// FlagTamperReject rejects messages failing causal-order verification
	// instead of the default log-only behavior.
	FlagTamperReject = "tamper_reject"
	// FlagProactiveEviction detaches older records from in-memory stores.
	FlagProactiveEviction = "proactive_eviction"
	// FlagPersistenceBatching groups persistence writes into transactions.
	FlagPersistenceBatching = "persistence_batching"
)

// FlagDefinition contains metadata about a flag
type FlagDefinition struct {
	Name         string
	Description  string
	DefaultValue bool
	Tags         []string
}

// DefaultFlags defines all available feature flags with their defaults
var DefaultFlags = []FlagDefinition{
	{FlagStrictAssertions, "Treat programming errors as fatal", false, []string{"core", "reliability"}},
	{FlagTamperReject, "Reject messages that fail order verification", false, []string{"core", "security"}},
	{FlagProactiveEviction, "Evict older records from in-memory stores", true, []string{"core", "performance"}},
	{FlagPersistenceBatching, "Batch persistence writes into transactions", true, []string{"core", "performance"}},
}

// FlagManager manages feature flags with thread-safe operations
type FlagManager struct {
	flags map[string]*Flag
	mu    sync.RWMutex
}

// NewFlagManager creates a new feature flag manager
func NewFlagManager() *FlagManager {
	return &FlagManager{flags: make(map[string]*Flag)}
}

// InitializeDefaults sets up all default flags
func (fm *FlagManager) InitializeDefaults() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	for _, def := range DefaultFlags {
		if _, exists := fm.flags[def.Name]; !exists {
			fm.flags[def.Name] = &Flag{
				Name:        def.Name,
				Enabled:     def.DefaultValue,
				Description: def.Description,
				UpdatedAt:   now,
				Tags:        def.Tags,
			}
		}
	}
}

// IsEnabled checks if a feature flag is enabled
func (fm *FlagManager) IsEnabled(flagName string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	flag, exists := fm.flags[flagName]
	return exists && flag.Enabled
}

// Set enables or disables a feature flag, creating it if needed.
func (fm *FlagManager) Set(flagName string, enabled bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		flag = &Flag{Name: flagName}
		fm.flags[flagName] = flag
	}
	flag.Enabled = enabled
	flag.UpdatedAt = time.Now()
}

// ListFlags returns copies of all flags.
func (fm *FlagManager) ListFlags() []*Flag {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	result := make([]*Flag, 0, len(fm.flags))
	for _, flag := range fm.flags {
		c := *flag
		if flag.Tags != nil {
			c.Tags = append([]string(nil), flag.Tags...)
		}
		result = append(result, &c)
	}
	return result
}

// ExportJSON exports all flags as JSON
func (fm *FlagManager) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(fm.ListFlags(), "", "  ")
}

// Global flag manager instance
var globalFlagManager = NewFlagManager()

// Initialize sets up the global flag manager with defaults
func Initialize() {
	globalFlagManager.InitializeDefaults()
}

// IsEnabled checks if a feature flag is enabled globally
func IsEnabled(flagName string) bool {
	return globalFlagManager.IsEnabled(flagName)
}

// Set sets a feature flag globally.
func Set(flagName string, enabled bool) {
	globalFlagManager.Set(flagName, enabled)
}

// GetGlobalManager returns the global flag manager
func GetGlobalManager() *FlagManager {
	return globalFlagManager
}
