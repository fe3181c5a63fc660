package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// config is the command-line and JSON-config surface for a single
// replication run against one remote.
type config struct {
	Remote        string `long:"remote" required:"true" description:"Base URL of the remote replica, e.g. https://example.com/mydb/"`
	CheckpointDir string `long:"checkpoint-dir" default:"./checkpoints" description:"Directory holding one JSON checkpoint file per --checkpoint-key"`
	CheckpointKey string `long:"checkpoint-key" required:"true" description:"Identifies this (remote, filter) tuple in the checkpoint store"`

	Filter     string            `long:"filter" description:"Name of a server-side change filter"`
	FilterArgs map[string]string `long:"filter-arg" description:"key=value filter parameter, may be given multiple times"`
	DocIDs     []string          `long:"doc-id" description:"Restrict replication to this document id, may be given multiple times"`

	// ConfigFile is an escape hatch for the structured fields above
	// (FilterArgs, DocIDs), which get unwieldy as repeated flags once a
	// filter takes more than one or two parameters. Values present in
	// the file fill in fields left at their zero value by the flags
	// above; flags always win over the file.
	ConfigFile string `long:"config" description:"Path to a JSON file providing filterArgs/docIDs, for filters with many parameters"`

	Continuous bool    `long:"continuous" description:"Keep polling after catching up, instead of exiting"`
	Heartbeat  int     `long:"heartbeat-ms" default:"30000" description:"Long-poll heartbeat interval in milliseconds; values below 15000 are ignored"`
	RateLimit  float64 `long:"rate-limit" default:"20" description:"Maximum requests per second to the remote; 0 disables limiting"`

	JWTKey     string `long:"jwt-key" description:"HMAC key for signing bearer tokens; omit for an unauthenticated remote"`
	JWTIssuer  string `long:"jwt-issuer" default:"pull-replicator"`
	JWTSubject string `long:"jwt-subject"`

	SQLitePath  string `long:"sqlite-path" default:"./replica.db" description:"Path to the local SQLite reference store"`
	MetricsAddr string `long:"metrics-addr" default:":9090" description:"Address to serve /metrics on"`

	LogLevel string `long:"log-level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error"`
}

// fileConfig is the subset of config that ConfigFile may supply.
type fileConfig struct {
	FilterArgs map[string]string `json:"filterArgs"`
	DocIDs     []string          `json:"docIDs"`
}

// applyConfigFile fills FilterArgs/DocIDs from ConfigFile when the flags
// left them unset. A no-op if ConfigFile is empty.
func (c *config) applyConfigFile() error {
	if c.ConfigFile == "" {
		return nil
	}
	var data, err = os.ReadFile(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", c.ConfigFile, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %q: %w", c.ConfigFile, err)
	}
	if len(c.FilterArgs) == 0 {
		c.FilterArgs = fc.FilterArgs
	}
	if len(c.DocIDs) == 0 {
		c.DocIDs = fc.DocIDs
	}
	return nil
}
