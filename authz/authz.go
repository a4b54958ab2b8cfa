// Package authz implements role-based authorization for agent-to-agent
// messaging: a static role → capability matrix loaded once and immutable
// at runtime, plus a mutable agent → role table that fails closed to the
// lowest-trust role for any unrecognized agent.
package authz

import (
	"fmt"
	"sync"

	"github.com/BaSui01/agentmesh/types"
)

// Role is a named trust tier.
type Role string

// Known roles, highest trust first. RoleExternal is the lowest-trust
// tier and the fail-closed default for unknown agents.
const (
	RoleOrchestrator Role = "orchestrator"
	RoleSecurity     Role = "security"
	RoleExecutor     Role = "executor"
	RoleSubagent     Role = "subagent"
	RoleObserver     Role = "observer"
	RoleExternal     Role = "external"
)

// DefaultRole is the role assigned to agents absent from the role table.
const DefaultRole = RoleExternal

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	_, ok := roleMatrix[r]
	return ok
}

// Action is a fine-grained operation an agent may be permitted to
// perform. The enumeration is closed; externally supplied action strings
// must be validated with ValidAction at the boundary.
type Action string

// Known actions.
const (
	ActionIncidentCreate   Action = "incident:create"
	ActionIncidentUpdate   Action = "incident:update"
	ActionIncidentEscalate Action = "incident:escalate"
	ActionTaskAssign       Action = "task:assign"
	ActionTaskExecute      Action = "task:execute"
	ActionTaskComplete     Action = "task:complete"
	ActionAgentRegister    Action = "agent:register"
	ActionAgentRevoke      Action = "agent:revoke"
	ActionAgentRotate      Action = "agent:rotate"
	ActionAuditRead        Action = "audit:read"
	ActionConfigRead       Action = "config:read"
	ActionConfigUpdate     Action = "config:update"
	ActionWebhookDispatch  Action = "webhook:dispatch"
)

var knownActions = map[Action]bool{
	ActionIncidentCreate:   true,
	ActionIncidentUpdate:   true,
	ActionIncidentEscalate: true,
	ActionTaskAssign:       true,
	ActionTaskExecute:      true,
	ActionTaskComplete:     true,
	ActionAgentRegister:    true,
	ActionAgentRevoke:      true,
	ActionAgentRotate:      true,
	ActionAuditRead:        true,
	ActionConfigRead:       true,
	ActionConfigUpdate:     true,
	ActionWebhookDispatch:  true,
}

// ValidAction reports whether a is part of the closed action enumeration.
func ValidAction(a Action) bool {
	return knownActions[a]
}

// Capabilities is the full permission set of a role.
type Capabilities struct {
	Messages  map[types.MessageType]bool
	Actions   map[Action]bool
	CanSendTo map[Role]bool
}

func messageSet(msgs ...types.MessageType) map[types.MessageType]bool {
	set := make(map[types.MessageType]bool, len(msgs))
	for _, m := range msgs {
		set[m] = true
	}
	return set
}

func actionSet(actions ...Action) map[Action]bool {
	set := make(map[Action]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return set
}

func roleSet(roles ...Role) map[Role]bool {
	set := make(map[Role]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}

// roleMatrix is the static capability matrix. It is built once at
// package init and never mutated afterwards.
var roleMatrix = map[Role]Capabilities{
	RoleOrchestrator: {
		Messages: messageSet(types.MessageTypeCommand, types.MessageTypeQuery,
			types.MessageTypeResponse, types.MessageTypeEvent, types.MessageTypeAuth),
		Actions: actionSet(ActionIncidentCreate, ActionIncidentUpdate, ActionIncidentEscalate,
			ActionTaskAssign, ActionTaskExecute, ActionTaskComplete,
			ActionConfigRead, ActionConfigUpdate, ActionAuditRead, ActionWebhookDispatch),
		CanSendTo: roleSet(RoleOrchestrator, RoleSecurity, RoleExecutor,
			RoleSubagent, RoleObserver, RoleExternal),
	},
	RoleSecurity: {
		Messages: messageSet(types.MessageTypeCommand, types.MessageTypeQuery,
			types.MessageTypeResponse, types.MessageTypeEvent, types.MessageTypeAuth),
		Actions: actionSet(ActionAgentRegister, ActionAgentRevoke, ActionAgentRotate,
			ActionAuditRead, ActionConfigRead, ActionIncidentEscalate),
		CanSendTo: roleSet(RoleOrchestrator, RoleSecurity, RoleExecutor,
			RoleSubagent, RoleObserver, RoleExternal),
	},
	RoleExecutor: {
		Messages: messageSet(types.MessageTypeQuery, types.MessageTypeResponse,
			types.MessageTypeEvent),
		Actions:   actionSet(ActionTaskExecute, ActionTaskComplete, ActionIncidentUpdate),
		CanSendTo: roleSet(RoleOrchestrator, RoleSecurity, RoleSubagent),
	},
	RoleSubagent: {
		Messages:  messageSet(types.MessageTypeResponse, types.MessageTypeEvent),
		Actions:   actionSet(ActionTaskExecute, ActionTaskComplete),
		CanSendTo: roleSet(RoleOrchestrator, RoleExecutor),
	},
	RoleObserver: {
		Messages:  messageSet(types.MessageTypeQuery, types.MessageTypeEvent),
		Actions:   actionSet(ActionAuditRead, ActionConfigRead),
		CanSendTo: roleSet(RoleOrchestrator, RoleSecurity),
	},
	RoleExternal: {
		Messages:  messageSet(types.MessageTypeQuery),
		Actions:   actionSet(),
		CanSendTo: roleSet(RoleOrchestrator),
	},
}

// Decision is the outcome of an authorization check. Reason carries a
// human-readable explanation for the first failed check.
type Decision struct {
	Authorized bool
	Code       types.ErrorCode
	Reason     string
}

// Authorizer resolves agent roles and evaluates the capability matrix.
// The matrix itself is static; only the agent → role table is mutable.
type Authorizer struct {
	agentRoles map[string]Role
	mu         sync.RWMutex
}

// NewAuthorizer creates an Authorizer with an empty agent → role table.
func NewAuthorizer() *Authorizer {
	return &Authorizer{agentRoles: make(map[string]Role)}
}

// SetAgentRole assigns a role to an agent. Unknown roles are rejected so
// free-form strings cannot widen the matrix.
func (a *Authorizer) SetAgentRole(agentID string, role Role) error {
	if !ValidRole(role) {
		return fmt.Errorf("authz: unknown role %q", role)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentRoles[agentID] = role
	return nil
}

// RemoveAgentRole drops an agent from the role table; subsequent lookups
// fall back to DefaultRole.
func (a *Authorizer) RemoveAgentRole(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agentRoles, agentID)
}

// GetAgentRole returns the agent's role, defaulting to the lowest-trust
// role for any unrecognized agent.
func (a *Authorizer) GetAgentRole(agentID string) Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if role, ok := a.agentRoles[agentID]; ok {
		return role
	}
	return DefaultRole
}

// HasCapability reports whether token is in the role's message-type set
// or its action set.
func (a *Authorizer) HasCapability(role Role, token string) bool {
	caps, ok := roleMatrix[role]
	if !ok {
		return false
	}
	return caps.Messages[types.MessageType(token)] || caps.Actions[Action(token)]
}

// CanSendTo reports whether fromRole may reach toRole. The relation is
// directional and need not be symmetric.
func (a *Authorizer) CanSendTo(fromRole, toRole Role) bool {
	caps, ok := roleMatrix[fromRole]
	if !ok {
		return false
	}
	return caps.CanSendTo[toRole]
}

// ValidateAuthorization runs the ordered checks for a message from
// fromAgent to toAgent: (1) destination reachability, (2) message-type
// capability, (3) action capability when action is non-empty. The first
// failure wins and is returned as the reason; the ordering is a contract.
func (a *Authorizer) ValidateAuthorization(fromAgent, toAgent string, messageType types.MessageType, action Action) Decision {
	fromRole := a.GetAgentRole(fromAgent)
	toRole := a.GetAgentRole(toAgent)

	if !a.CanSendTo(fromRole, toRole) {
		return Decision{
			Code:   types.ErrCodeUnauthorized,
			Reason: fmt.Sprintf("role %s cannot send to role %s", fromRole, toRole),
		}
	}
	if !roleMatrix[fromRole].Messages[messageType] {
		return Decision{
			Code:   types.ErrCodeUnauthorized,
			Reason: fmt.Sprintf("role %s lacks message capability %s", fromRole, messageType),
		}
	}
	if action != "" {
		if !ValidAction(action) {
			return Decision{
				Code:   types.ErrCodeUnauthorizedAction,
				Reason: fmt.Sprintf("unknown action %s", action),
			}
		}
		if !roleMatrix[fromRole].Actions[action] {
			return Decision{
				Code:   types.ErrCodeUnauthorizedAction,
				Reason: fmt.Sprintf("role %s lacks action capability %s", fromRole, action),
			}
		}
	}
	return Decision{Authorized: true}
}

// GetRoleCapabilities returns a copy of the role's full capability set,
// or empty sets for an unknown role.
func (a *Authorizer) GetRoleCapabilities(role Role) Capabilities {
	caps, ok := roleMatrix[role]
	if !ok {
		return Capabilities{
			Messages:  map[types.MessageType]bool{},
			Actions:   map[Action]bool{},
			CanSendTo: map[Role]bool{},
		}
	}
	out := Capabilities{
		Messages:  make(map[types.MessageType]bool, len(caps.Messages)),
		Actions:   make(map[Action]bool, len(caps.Actions)),
		CanSendTo: make(map[Role]bool, len(caps.CanSendTo)),
	}
	for m := range caps.Messages {
		out.Messages[m] = true
	}
	for act := range caps.Actions {
		out.Actions[act] = true
	}
	for r := range caps.CanSendTo {
		out.CanSendTo[r] = true
	}
	return out
}
