package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/plan-systems/plan-keyagent/ski"
)

// ConfirmRequest describes one proposed use of a private key.
type ConfirmRequest struct {
	SessionID   string
	PeerUID     int
	PeerPID     int
	Op          Op // OpConfirm or OpExport
	Nickname    string
	Fingerprint string
	Purpose     string
}

func (req ConfirmRequest) String() string {
	verb := "sign with"
	if req.Op == OpExport {
		verb = "export"
	}
	return fmt.Sprintf("session %s (uid %d, pid %d) wants to %s key %q (%s) for %q",
		req.SessionID, req.PeerUID, req.PeerPID, verb, req.Nickname, req.Fingerprint, req.Purpose)
}

// Approver decides whether a private key may be used.  An error is treated as a denial.
type Approver interface {
	Approve(ctx context.Context, req ConfirmRequest) (bool, error)
}

// AutoDeny refuses every request.
type AutoDeny struct{}

// Approve always returns false.
func (AutoDeny) Approve(context.Context, ConfirmRequest) (bool, error) {
	return false, nil
}

// PromptApprove asks an operator (typically the daemon's terminal) to approve each request.
// No answer within Timeout is a denial.  Only one prompt is outstanding at a time.
type PromptApprove struct {
	Timeout time.Duration

	in  io.Reader
	out io.Writer

	mu        sync.Mutex
	startOnce sync.Once
	lines     chan string
}

// NewPromptApprove prompts on out and reads answers from in.
func NewPromptApprove(in io.Reader, out io.Writer, timeout time.Duration) *PromptApprove {
	return &PromptApprove{
		Timeout: timeout,
		in:      in,
		out:     out,
		lines:   make(chan string, 1),
	}
}

// readLines is the only reader of p.in.  It exits at EOF.
func (p *PromptApprove) readLines() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	close(p.lines)
}

// Approve prompts and waits for "y" or "yes".
func (p *PromptApprove) Approve(ctx context.Context, req ConfirmRequest) (bool, error) {
	p.startOnce.Do(func() {
		go p.readLines()
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	// Discard anything typed before this prompt.
	for drained := false; !drained; {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return false, ski.ErrCode_ConfirmationDenied.ErrWithMsg("no operator input available")
			}
		default:
			drained = true
		}
	}

	fmt.Fprintf(p.out, "\n%v\nAllow? [y/N] (%v to answer) ", req, p.Timeout)

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	select {
	case line, ok := <-p.lines:
		if !ok {
			return false, ski.ErrCode_ConfirmationDenied.ErrWithMsg("no operator input available")
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	case <-timer.C:
		fmt.Fprintln(p.out, "\n(timed out, denied)")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// PolicyRule allows or denies requests whose nickname and purpose match its glob patterns.
// An empty pattern matches anything.
type PolicyRule struct {
	Nickname string
	Purpose  string
	Ops      []Op // empty matches any op
	Allow    bool
}

type compiledRule struct {
	nickname glob.Glob
	purpose  glob.Glob
	ops      []Op
	allow    bool
}

// PolicyApprove applies the first matching rule.  A request no rule matches is denied.
type PolicyApprove struct {
	rules []compiledRule
}

// NewPolicyApprove compiles inRules.
func NewPolicyApprove(inRules []PolicyRule) (*PolicyApprove, error) {
	p := &PolicyApprove{
		rules: make([]compiledRule, 0, len(inRules)),
	}

	for i, rule := range inRules {
		nick, err := compileGlob(rule.Nickname)
		if err != nil {
			return nil, ski.ErrCode_InvalidArgument.ErrWithMsgf("rule %d: bad nickname pattern %q: %v", i, rule.Nickname, err)
		}
		purpose, err := compileGlob(rule.Purpose)
		if err != nil {
			return nil, ski.ErrCode_InvalidArgument.ErrWithMsgf("rule %d: bad purpose pattern %q: %v", i, rule.Purpose, err)
		}
		for _, op := range rule.Ops {
			if op != OpConfirm && op != OpExport {
				return nil, ski.ErrCode_InvalidArgument.ErrWithMsgf("rule %d: op %q can't be approved", i, op)
			}
		}
		p.rules = append(p.rules, compiledRule{
			nickname: nick,
			purpose:  purpose,
			ops:      rule.Ops,
			allow:    rule.Allow,
		})
	}

	return p, nil
}

func compileGlob(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}

// Approve returns the decision of the first matching rule.
func (p *PolicyApprove) Approve(_ context.Context, req ConfirmRequest) (bool, error) {
	for _, rule := range p.rules {
		if !rule.nickname.Match(req.Nickname) || !rule.purpose.Match(req.Purpose) {
			continue
		}
		if len(rule.ops) > 0 && !containsOp(rule.ops, req.Op) {
			continue
		}
		return rule.allow, nil
	}
	return false, nil
}

func containsOp(ops []Op, op Op) bool {
	for _, candidate := range ops {
		if candidate == op {
			return true
		}
	}
	return false
}
