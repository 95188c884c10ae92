package domain

import (
	"fmt"
	"strings"
)

type DestinationKind int

const (
	DestinationDirect DestinationKind = iota
	DestinationParent
	DestinationBroadcast
	DestinationFind
)

const (
	RouteParent          = "parent"
	RouteBroadcastPrefix = "broadcast:"
	RouteFindPrefix      = "find:"

	BroadcastChildren = "children"
	BroadcastSiblings = "siblings"
	BroadcastAll      = "all"
)

// Destination is the parsed form of an event's routing string. Exactly one of
// ID, Scope or Name is meaningful depending on Kind.
type Destination struct {
	Kind  DestinationKind
	ID    string
	Scope string
	Name  string
}

func Direct(id string) Destination       { return Destination{Kind: DestinationDirect, ID: id} }
func Parent() Destination                { return Destination{Kind: DestinationParent} }
func Broadcast(scope string) Destination { return Destination{Kind: DestinationBroadcast, Scope: scope} }
func Find(name string) Destination       { return Destination{Kind: DestinationFind, Name: name} }

func ParseDestination(raw string) (Destination, error) {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return Destination{}, fmt.Errorf("empty destination")
	case value == RouteParent:
		return Parent(), nil
	case strings.HasPrefix(value, RouteBroadcastPrefix):
		scope := strings.TrimPrefix(value, RouteBroadcastPrefix)
		switch scope {
		case BroadcastChildren, BroadcastSiblings, BroadcastAll:
			return Broadcast(scope), nil
		case "", "*":
			return Broadcast(BroadcastAll), nil
		default:
			return Destination{}, fmt.Errorf("unknown broadcast scope %q", scope)
		}
	case strings.HasPrefix(value, RouteFindPrefix):
		name := strings.TrimSpace(strings.TrimPrefix(value, RouteFindPrefix))
		if name == "" {
			return Destination{}, fmt.Errorf("find destination needs a name")
		}
		return Find(name), nil
	default:
		return Direct(value), nil
	}
}

func (d Destination) String() string {
	switch d.Kind {
	case DestinationParent:
		return RouteParent
	case DestinationBroadcast:
		return RouteBroadcastPrefix + d.Scope
	case DestinationFind:
		return RouteFindPrefix + d.Name
	default:
		return d.ID
	}
}
