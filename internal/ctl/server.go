package ctl

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"

	"grimm.is/palisade/internal/logging"
	"grimm.is/palisade/internal/policy"
)

// Server exposes a policy manager over a unix socket.
type Server struct {
	mgr      policy.Manager
	log      *logging.Logger
	rpcSrv   *rpc.Server
	listener net.Listener
}

// NewServer wraps the given manager. Each server carries its own RPC
// registry, so independent instances never collide.
func NewServer(mgr policy.Manager) (*Server, error) {
	s := &Server{
		mgr:    mgr,
		log:    logging.WithComponent("ctl"),
		rpcSrv: rpc.NewServer(),
	}
	if err := s.rpcSrv.RegisterName(ServiceName, &policyService{mgr: mgr}); err != nil {
		return nil, fmt.Errorf("register rpc service: %w", err)
	}
	return s, nil
}

// Start listens on socketPath and serves connections in the
// background. A stale socket from a previous run is removed first.
func (s *Server) Start(socketPath string) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	// The CLI runs unprivileged while the daemon runs as root.
	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.log.Info("control socket listening", "path", socketPath)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error("accept failed", "error", err)
				return
			}
			go s.rpcSrv.ServeConn(conn)
		}
	}()
	return nil
}

// Stop closes the listener. In-flight calls finish on their own
// connections.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

// policyService adapts the manager to net/rpc method signatures.
type policyService struct {
	mgr policy.Manager
}

func (p *policyService) AddRule(args *AddRuleArgs, reply *AddRuleReply) error {
	id, err := p.mgr.AddRule(args.Rule)
	if err != nil {
		return err
	}
	reply.ID = id
	return nil
}

func (p *policyService) UpdateRule(args *UpdateRuleArgs, _ *Empty) error {
	return p.mgr.UpdateRule(args.Rule)
}

func (p *policyService) UpdateRuleName(args *UpdateRuleNameArgs, _ *Empty) error {
	return p.mgr.UpdateRuleName(args.ID, args.Name)
}

func (p *policyService) SetRulesBlocked(args *SetRulesBlockedArgs, _ *Empty) error {
	return p.mgr.SetRulesBlocked(args.IDs, args.Blocked, args.KillProcess)
}

func (p *policyService) DeleteRules(args *DeleteRulesArgs, _ *Empty) error {
	return p.mgr.DeleteRules(args.IDs)
}

func (p *policyService) PurgeRules(_ *Empty, reply *PurgeRulesReply) error {
	removed, err := p.mgr.PurgeRules()
	if err != nil {
		return err
	}
	reply.Removed = removed
	return nil
}

func (p *policyService) Rules(_ *Empty, reply *RulesReply) error {
	rules, err := p.mgr.Rules()
	if err != nil {
		return err
	}
	reply.Rules = rules
	return nil
}

func (p *policyService) ResyncDriver(_ *Empty, _ *Empty) error {
	return p.mgr.ResyncDriver()
}
