package gateway

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedReply is one canned answer: either raw text or an error.
type ScriptedReply struct {
	Text string
	Err  error
}

// ScriptedGenerator replays canned replies per template, in order, and
// records every call. It is meant for tests.
type ScriptedGenerator struct {
	mu      sync.Mutex
	replies map[TemplateID][]ScriptedReply
	calls   []Call

	// Respond, when set, is consulted before the queued replies.
	Respond func(call Call) (ScriptedReply, bool)
}

// NewScriptedGenerator creates an empty script.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{replies: make(map[TemplateID][]ScriptedReply)}
}

// Reply queues a text reply for template.
func (g *ScriptedGenerator) Reply(template TemplateID, text string) *ScriptedGenerator {
	return g.enqueue(template, ScriptedReply{Text: text})
}

// Fail queues an error reply for template.
func (g *ScriptedGenerator) Fail(template TemplateID, err error) *ScriptedGenerator {
	return g.enqueue(template, ScriptedReply{Err: err})
}

func (g *ScriptedGenerator) enqueue(template TemplateID, reply ScriptedReply) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[template] = append(g.replies[template], reply)
	return g
}

func (g *ScriptedGenerator) Generate(ctx context.Context, call Call) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	respond := g.Respond
	g.mu.Unlock()

	if respond != nil {
		if reply, ok := respond(call); ok {
			return reply.Text, reply.Err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	queue := g.replies[call.Template]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted reply for %s", call.Template)
	}
	g.replies[call.Template] = queue[1:]
	return queue[0].Text, queue[0].Err
}

// Calls returns the calls made so far.
func (g *ScriptedGenerator) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns how many calls used template.
func (g *ScriptedGenerator) CallCount(template TemplateID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Template == template {
			n++
		}
	}
	return n
}
