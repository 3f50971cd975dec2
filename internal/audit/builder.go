package audit

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/TimurManjosov/qualiopigate/internal/auth"
)

// EventBuilder provides a fluent API for constructing audit events.
//
// Usage:
//
//	event := audit.NewEventBuilder(r).
//		OfType(audit.TypeMappingUpdated).
//		ForResource(audit.ResourceTypeMapping, "123").
//		WithBeforeState(before).
//		WithAfterState(after).
//		Build()
//
//	service.Log(event)
type EventBuilder struct {
	event Event
}

// NewEventBuilder starts an event from the request: request ID, actor and
// source are filled in. Requests without an authenticated key are
// attributed to a buyer.
func NewEventBuilder(r *http.Request) *EventBuilder {
	actor := Actor{Kind: ActorKindBuyer, Display: "buyer"}
	if name, ok := auth.ActorFromContext(r.Context()); ok {
		kind := ActorKindAdmin
		if strings.HasPrefix(name, ActorKindProvider+":") {
			kind = ActorKindProvider
		}
		actor = Actor{Kind: kind, Display: name}
	}

	return &EventBuilder{
		event: Event{
			RequestID: middleware.GetReqID(r.Context()),
			Actor:     actor,
			Source: Source{
				IPAddress: auth.GetIPAddress(r),
				UserAgent: r.UserAgent(),
			},
			Status: StatusSuccess,
		},
	}
}

func (b *EventBuilder) OfType(eventType string) *EventBuilder {
	b.event.Type = eventType
	return b
}

func (b *EventBuilder) ForResource(resourceType, resourceID string) *EventBuilder {
	b.event.ResourceType = resourceType
	b.event.ResourceID = resourceID
	return b
}

func (b *EventBuilder) WithBeforeState(state map[string]any) *EventBuilder {
	if state != nil {
		b.event.BeforeState = state
	}
	return b
}

func (b *EventBuilder) WithAfterState(state map[string]any) *EventBuilder {
	if state != nil {
		b.event.AfterState = state
	}
	return b
}

// Failure marks the event as failed and sets an error message.
func (b *EventBuilder) Failure(errorMsg string) *EventBuilder {
	b.event.Status = StatusFailure
	if errorMsg != "" {
		b.event.ErrorMessage = &errorMsg
	}
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}
