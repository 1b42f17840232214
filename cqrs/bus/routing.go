package bus

import (
	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/message"
)

// Target is the broker an event is published on.
type Target int

const (
	// TargetRemote is durable and shared across processes.
	TargetRemote Target = iota
	// TargetLocal is in-process and has the lowest latency.
	TargetLocal
)

func (t Target) String() string {
	if t == TargetLocal {
		return "local"
	}
	return "remote"
}

// RoutingStrategy picks a broker per event.
type RoutingStrategy interface {
	Route(event *message.DomainEvent) Target
}

// RoutingFunc adapts a function to RoutingStrategy.
type RoutingFunc func(event *message.DomainEvent) Target

func (f RoutingFunc) Route(event *message.DomainEvent) Target { return f(event) }

// RoutingPolicy is the default strategy: explicit allow-lists first, then
// events at or above the priority threshold go local, everything else remote.
type RoutingPolicy struct {
	local             map[string]struct{}
	remote            map[string]struct{}
	priorityThreshold int
}

// NewRoutingPolicy builds a policy. A threshold below 1 means message.PriorityHigh.
func NewRoutingPolicy(localTypes, remoteTypes []string, priorityThreshold int) *RoutingPolicy {
	if priorityThreshold < 1 {
		priorityThreshold = message.PriorityHigh
	}

	p := &RoutingPolicy{
		local:             make(map[string]struct{}, len(localTypes)),
		remote:            make(map[string]struct{}, len(remoteTypes)),
		priorityThreshold: priorityThreshold,
	}
	for _, t := range localTypes {
		p.local[t] = struct{}{}
	}
	for _, t := range remoteTypes {
		p.remote[t] = struct{}{}
	}

	return p
}

// LoadRoutingPolicy reads EVENT_BUS_LOCAL_TYPES, EVENT_BUS_REMOTE_TYPES and
// EVENT_BUS_PRIORITY_THRESHOLD.
func LoadRoutingPolicy(cfg *config.Config) *RoutingPolicy {
	cfg.SetDefault("EVENT_BUS_PRIORITY_THRESHOLD", message.PriorityHigh)

	return NewRoutingPolicy(
		cfg.GetStringSlice("EVENT_BUS_LOCAL_TYPES"),
		cfg.GetStringSlice("EVENT_BUS_REMOTE_TYPES"),
		cfg.GetInt("EVENT_BUS_PRIORITY_THRESHOLD"),
	)
}

func (p *RoutingPolicy) Route(event *message.DomainEvent) Target {
	if _, ok := p.local[event.EventType]; ok {
		return TargetLocal
	}
	if _, ok := p.remote[event.EventType]; ok {
		return TargetRemote
	}
	if event.Priority >= p.priorityThreshold {
		return TargetLocal
	}
	return TargetRemote
}
