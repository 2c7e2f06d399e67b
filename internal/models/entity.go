package models

import (
	"fmt"
	"sort"
)

// EntityType identifies one kind of ConnectWise record that we mirror
type EntityType string

const (
	CompanyStatus EntityType = "company_status"
	Territory     EntityType = "territory"
	Member        EntityType = "member"
	Company       EntityType = "company"
	Contact       EntityType = "contact"
	Ticket        EntityType = "ticket"
	Project       EntityType = "project"
	Opportunity   EntityType = "opportunity"
)

// EntityMeta describes how an entity type is fetched and which other types
// it points at. DependsOn drives the full-sync ordering: referenced types
// must be synced before their dependents
type EntityMeta struct {
	// Endpoint is the REST path relative to the API base, e.g. "service/tickets"
	Endpoint string

	// CallbackType is the ConnectWise webhook type for this entity,
	// empty if the remote system offers no callback for it
	CallbackType string

	// DependsOn lists entity types this one holds references to
	DependsOn []EntityType
}

// Registry is the whitelist of entity types the mirror knows about.
// Anything not in here is rejected, both on sync requests and on
// inbound callback events
var Registry = map[EntityType]EntityMeta{
	CompanyStatus: {
		Endpoint: "company/companies/statuses",
	},
	Territory: {
		Endpoint: "system/locations",
	},
	Member: {
		Endpoint:     "system/members",
		CallbackType: "member",
	},
	Company: {
		Endpoint:     "company/companies",
		CallbackType: "company",
		DependsOn:    []EntityType{CompanyStatus, Territory},
	},
	Contact: {
		Endpoint:     "company/contacts",
		CallbackType: "contact",
		DependsOn:    []EntityType{Company},
	},
	Ticket: {
		Endpoint:     "service/tickets",
		CallbackType: "ticket",
		DependsOn:    []EntityType{Company, Member},
	},
	Project: {
		Endpoint:     "project/projects",
		CallbackType: "project",
		DependsOn:    []EntityType{Company, Member},
	},
	Opportunity: {
		Endpoint:     "sales/opportunities",
		CallbackType: "opportunity",
		DependsOn:    []EntityType{Company, Member},
	},
}

// ParseEntityType validates a raw string against the registry
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(s)
	if _, ok := Registry[et]; !ok {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return et, nil
}

// ByCallbackType resolves a ConnectWise callback type ("ticket", "company", ...)
// back to the local entity type
func ByCallbackType(cbType string) (EntityType, bool) {
	for et, meta := range Registry {
		if meta.CallbackType != "" && meta.CallbackType == cbType {
			return et, true
		}
	}
	return "", false
}

// SyncOrder returns all registered entity types sorted so that every type
// appears after the types it depends on. A cycle in the registry is a
// programming error and is reported so callers can refuse to start
func SyncOrder() ([]EntityType, error) {
	indegree := make(map[EntityType]int, len(Registry))
	dependents := make(map[EntityType][]EntityType, len(Registry))

	for et := range Registry {
		indegree[et] = 0
	}
	for et, meta := range Registry {
		for _, dep := range meta.DependsOn {
			if _, ok := Registry[dep]; !ok {
				return nil, fmt.Errorf("entity %s depends on unregistered type %s", et, dep)
			}
			indegree[et]++
			dependents[dep] = append(dependents[dep], et)
		}
	}

	// Deterministic order among peers, so full-sync runs are reproducible
	var ready []EntityType
	for et, deg := range indegree {
		if deg == 0 {
			ready = append(ready, et)
		}
	}
	sortTypes(ready)

	order := make([]EntityType, 0, len(Registry))
	for len(ready) > 0 {
		et := ready[0]
		ready = ready[1:]
		order = append(order, et)

		var unlocked []EntityType
		for _, dep := range dependents[et] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sortTypes(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(Registry) {
		return nil, fmt.Errorf("dependency cycle detected in entity registry")
	}
	return order, nil
}

func sortTypes(types []EntityType) {
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
}
