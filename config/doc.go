// Package config provides configuration management for agentmesh.
//
// Configuration is resolved with the precedence defaults -> YAML file
// -> environment variables, and a polling file watcher supports picking
// up out-of-band edits at runtime.
package config
