// Package config defines configuration structures for the lra CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (LRA_ prefix)
//   - YAML configuration file
//
// # Structure
//
//	type Config struct {
//	    Model       string
//	    Experiment  string
//	    Variables   []string
//	    Resolution  string
//	    Frequency   string
//	    OutputRoot  string
//	    CatalogDir  string
//	    ScratchRoot string
//	    Workers     int
//	    Overwrite   bool
//	    Definitive  bool
//	    Source      SourceConfig
//	}
//
//	type SourceConfig struct {
//	    Start time.Time
//	    End   time.Time
//	    Step  time.Duration
//	}
package config
