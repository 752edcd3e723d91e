// Package gatewaytest provides an in-memory gateway.Client for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/wpp-relay/internal/gateway"
)

// Call records one invocation of the fake.
type Call struct {
	Op       string
	Instance string
	Args     []string
	Keys     []gateway.MessageKey
}

// Fake is a scriptable gateway.Client and gateway.Resolver. The zero value
// answers every number as reachable and every send with a generated id.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	seq   int

	Unreachable map[string]bool
	Profiles    map[string]gateway.Profile
	SendErr     error
	CheckErr    error
	ReadErr     error
	ProfileErr  error
}

var _ gateway.Client = (*Fake)(nil)

func (f *Fake) ClientFor(string) (gateway.Client, error) { return f, nil }

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

// Calls returns the recorded calls for op, or every call when op is empty.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) SendText(_ context.Context, instance, address, text string) (gateway.SendResult, error) {
	f.record(Call{Op: "send", Instance: instance, Args: []string{address, text}})
	if f.SendErr != nil {
		return gateway.SendResult{}, f.SendErr
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("FAKE%04d", f.seq)
	f.mu.Unlock()
	return gateway.SendResult{
		Key:    gateway.MessageKey{RemoteJID: address, FromMe: true, ID: id},
		Status: "PENDING",
	}, nil
}

func (f *Fake) CheckHasAccount(_ context.Context, instance string, addresses []string) ([]gateway.NumberCheck, error) {
	f.record(Call{Op: "check", Instance: instance, Args: addresses})
	if f.CheckErr != nil {
		return nil, f.CheckErr
	}
	out := make([]gateway.NumberCheck, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, gateway.NumberCheck{Exists: !f.Unreachable[a], JID: a, Number: a})
	}
	return out, nil
}

func (f *Fake) MarkRead(_ context.Context, instance string, keys []gateway.MessageKey) error {
	f.record(Call{Op: "read", Instance: instance, Keys: keys})
	return f.ReadErr
}

func (f *Fake) MarkUnread(_ context.Context, instance, chat string, last gateway.MessageKey) error {
	f.record(Call{Op: "unread", Instance: instance, Args: []string{chat}, Keys: []gateway.MessageKey{last}})
	return nil
}

func (f *Fake) FetchProfile(_ context.Context, instance, number string) (gateway.Profile, error) {
	f.record(Call{Op: "profile", Instance: instance, Args: []string{number}})
	if f.ProfileErr != nil {
		return gateway.Profile{}, f.ProfileErr
	}
	return f.Profiles[number], nil
}
