// Package main is the agentmesh executable: an agent-to-agent security
// node exposing message receive, key management and audit query
// endpoints over HTTP, with Prometheus metrics on a separate port.
package main
