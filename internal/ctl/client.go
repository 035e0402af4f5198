package ctl

import (
	"fmt"
	"net/rpc"
	"sync"

	"grimm.is/palisade/internal/policy"
	"grimm.is/palisade/internal/rule"
)

// Client forwards manager calls to the daemon over the control
// socket. It satisfies policy.Manager, so CLI code is written against
// the same interface the daemon uses in-process.
type Client struct {
	socketPath string

	mu     sync.Mutex
	client *rpc.Client
}

var _ policy.Manager = (*Client)(nil)

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	rc, err := rpc.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s (is the daemon running?): %w", socketPath, err)
	}
	return &Client{socketPath: socketPath, client: rc}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// call invokes one RPC method, reconnecting once after a dropped
// connection (daemon restart between CLI invocations).
func (c *Client) call(method string, args any, reply any) error {
	c.mu.Lock()
	rc := c.client
	c.mu.Unlock()

	if rc == nil {
		return rpc.ErrShutdown
	}

	err := rc.Call(ServiceName+"."+method, args, reply)
	if err != rpc.ErrShutdown {
		return err
	}

	c.mu.Lock()
	if c.client == rc {
		rc.Close()
		c.client = nil
		fresh, dialErr := rpc.Dial("unix", c.socketPath)
		if dialErr != nil {
			c.mu.Unlock()
			return fmt.Errorf("reconnect to %s: %w", c.socketPath, dialErr)
		}
		c.client = fresh
	}
	rc = c.client
	c.mu.Unlock()

	return rc.Call(ServiceName+"."+method, args, reply)
}

func (c *Client) AddRule(r rule.Rule) (int64, error) {
	var reply AddRuleReply
	if err := c.call("AddRule", &AddRuleArgs{Rule: r}, &reply); err != nil {
		return 0, err
	}
	return reply.ID, nil
}

func (c *Client) UpdateRule(r rule.Rule) error {
	return c.call("UpdateRule", &UpdateRuleArgs{Rule: r}, &Empty{})
}

func (c *Client) UpdateRuleName(id int64, name string) error {
	return c.call("UpdateRuleName", &UpdateRuleNameArgs{ID: id, Name: name}, &Empty{})
}

func (c *Client) SetRulesBlocked(ids []int64, blocked, killProcess bool) error {
	args := &SetRulesBlockedArgs{IDs: ids, Blocked: blocked, KillProcess: killProcess}
	return c.call("SetRulesBlocked", args, &Empty{})
}

func (c *Client) DeleteRules(ids []int64) error {
	return c.call("DeleteRules", &DeleteRulesArgs{IDs: ids}, &Empty{})
}

func (c *Client) PurgeRules() (int, error) {
	var reply PurgeRulesReply
	if err := c.call("PurgeRules", &Empty{}, &reply); err != nil {
		return 0, err
	}
	return reply.Removed, nil
}

func (c *Client) Rules() ([]rule.Rule, error) {
	var reply RulesReply
	if err := c.call("Rules", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Rules, nil
}

func (c *Client) ResyncDriver() error {
	return c.call("ResyncDriver", &Empty{}, &Empty{})
}
