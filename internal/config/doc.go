// Package config loads the runtime's YAML configuration, fills defaults and
// watches the file for changes so plugin activation can be reconciled without
// a restart.
package config
