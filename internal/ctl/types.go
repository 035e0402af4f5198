// Package ctl is the RPC plane between the privileged policy daemon
// and unprivileged CLI invocations. The wire types mirror the manager
// surface one to one, so the forwarding client and the in-process
// service satisfy the same contract.
//
// Request types are named {Method}Args and responses {Method}Reply;
// Empty stands in where a method takes or returns nothing.
package ctl

import "grimm.is/palisade/internal/rule"

// ServiceName is the registered RPC service. Methods are invoked as
// "Policy.<Method>".
const ServiceName = "Policy"

// Empty is the placeholder for argument-less or reply-less methods.
type Empty struct{}

type AddRuleArgs struct {
	Rule rule.Rule
}

type AddRuleReply struct {
	ID int64
}

type UpdateRuleArgs struct {
	Rule rule.Rule
}

type UpdateRuleNameArgs struct {
	ID   int64
	Name string
}

type SetRulesBlockedArgs struct {
	IDs         []int64
	Blocked     bool
	KillProcess bool
}

type DeleteRulesArgs struct {
	IDs []int64
}

type PurgeRulesReply struct {
	Removed int
}

type RulesReply struct {
	Rules []rule.Rule
}
