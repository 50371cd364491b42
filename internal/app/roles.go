package app

import (
	"fmt"
	"strings"
)

const (
	RoleOrchestrator = "orchestrator"
	RoleInventory    = "inventory"
	RolePayment      = "payment"
)

// Roles selects which services this process runs.
type Roles struct {
	Orchestrator bool
	Inventory    bool
	Payment      bool
}

func AllRoles() Roles {
	return Roles{Orchestrator: true, Inventory: true, Payment: true}
}

// ParseRoles reads a comma separated role list. An empty list enables every role.
func ParseRoles(raw string) (Roles, error) {
	if strings.TrimSpace(raw) == "" {
		return AllRoles(), nil
	}
	var r Roles
	for _, part := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case RoleOrchestrator:
			r.Orchestrator = true
		case RoleInventory:
			r.Inventory = true
		case RolePayment:
			r.Payment = true
		case "":
		default:
			return Roles{}, fmt.Errorf("unknown service role %q", strings.TrimSpace(part))
		}
	}
	if r == (Roles{}) {
		return Roles{}, fmt.Errorf("no service role in %q", raw)
	}
	return r, nil
}

// Names lists the enabled roles, in a fixed order.
func (r Roles) Names() []string {
	var names []string
	if r.Orchestrator {
		names = append(names, RoleOrchestrator)
	}
	if r.Inventory {
		names = append(names, RoleInventory)
	}
	if r.Payment {
		names = append(names, RolePayment)
	}
	return names
}
