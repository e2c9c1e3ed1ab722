package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
)

// MIMEType is the content type of every resource served here.
const MIMEType = "application/fhir+json"

// URI templates.
const (
	ScheduleTemplate    = "fhir://Schedule/{id}"
	SlotTemplate        = "fhir://Slot/{id}"
	AppointmentTemplate = "fhir://Appointment/{id}"
)

type reader func(ctx context.Context, svc *scheduling.Service, id string) (any, error)

// RegisterFHIRResources registers the Schedule, Slot and Appointment templates.
func RegisterFHIRResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	templates := []struct {
		uri         string
		name        string
		description string
		read        reader
	}{
		{
			uri:         ScheduleTemplate,
			name:        "Schedule",
			description: "A practitioner's schedule: the availability context that owns bookable slots",
			read: func(ctx context.Context, svc *scheduling.Service, id string) (any, error) {
				return svc.GetSchedule(ctx, id)
			},
		},
		{
			uri:         SlotTemplate,
			name:        "Slot",
			description: "A bookable time unit within a schedule, with its free/busy status",
			read: func(ctx context.Context, svc *scheduling.Service, id string) (any, error) {
				return svc.GetSlot(ctx, id)
			},
		},
		{
			uri:         AppointmentTemplate,
			name:        "Appointment",
			description: "A booked or cancelled appointment",
			read: func(ctx context.Context, svc *scheduling.Service, id string) (any, error) {
				return svc.GetAppointment(ctx, id)
			},
		},
	}

	for _, tmpl := range templates {
		template := mcp.NewResourceTemplate(tmpl.uri, tmpl.name,
			mcp.WithTemplateDescription(tmpl.description),
			mcp.WithTemplateMIMEType(MIMEType),
		)
		read := tmpl.read
		resourceType := tmpl.name
		s.AddResourceTemplate(template, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return handleRead(ctx, request, sc, resourceType, read)
		})
	}

	return nil
}

func handleRead(ctx context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext, resourceType string, read reader) ([]mcp.ResourceContents, error) {
	id, err := resourceID(request, resourceType)
	if err != nil {
		return nil, err
	}

	v, err := read(ctx, sc.Scheduler(), id)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read %s/%s: %w", scheduling.Classify(err), resourceType, id, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s/%s: %w", resourceType, id, err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: MIMEType,
			Text:     string(data),
		},
	}, nil
}

// resourceID returns the {id} variable matched from the URI template,
// falling back to the last path segment of the URI.
func resourceID(request mcp.ReadResourceRequest, resourceType string) (string, error) {
	var id string
	switch v := request.Params.Arguments["id"].(type) {
	case string:
		id = v
	case []string:
		if len(v) > 0 {
			id = v[0]
		}
	}
	if id == "" {
		prefix := "fhir://" + resourceType + "/"
		if strings.HasPrefix(request.Params.URI, prefix) {
			id = strings.TrimPrefix(request.Params.URI, prefix)
		}
	}
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: %q is not a %s resource URI", fhir.ErrMalformedReference, request.Params.URI, resourceType)
	}
	return id, nil
}
