// Package types defines the shared vocabulary of the AgentMesh security
// core: the agent-to-agent message wire shapes, the closed error-code
// taxonomy used by the verification pipeline and the audit log, and the
// injectable Clock used by every time-sensitive component.
package types
