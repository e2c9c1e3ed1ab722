package scheduling_tools

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("rfc3339", validateRFC3339)
	_ = validate.RegisterValidation("notblank", validateNotBlank)
	validate.RegisterStructValidation(validateBookingWindow, bookArgs{})
}

type scheduleArgs struct {
	ScheduleResourceID string `json:"scheduleResourceId" validate:"required,notblank"`
}

type appointmentArgs struct {
	AppointmentResourceID string `json:"appointmentResourceId" validate:"required,notblank"`
}

type bookArgs struct {
	SlotResourceID string `json:"slotResourceId" validate:"required,notblank"`
	Start          string `json:"start" validate:"required,rfc3339"`
	End            string `json:"end" validate:"required,rfc3339"`
	PractitionerID string `json:"practitionerId" validate:"required,notblank"`
}

func (a bookArgs) request() scheduling.BookingRequest {
	return scheduling.BookingRequest{
		SlotID:         a.SlotResourceID,
		Start:          a.Start,
		End:            a.End,
		PractitionerID: a.PractitionerID,
	}
}

func validateRFC3339(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339, fl.Field().String())
	return err == nil
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateBookingWindow rejects an end that is not strictly after start.
// Unparseable instants are left to the field-level rfc3339 rule.
func validateBookingWindow(sl validator.StructLevel) {
	a := sl.Current().Interface().(bookArgs)
	start, errStart := time.Parse(time.RFC3339, a.Start)
	end, errEnd := time.Parse(time.RFC3339, a.End)
	if errStart != nil || errEnd != nil {
		return
	}
	if !end.After(start) {
		sl.ReportError(a.End, "end", "End", "gtstart", "")
	}
}

// bindArgs decodes and validates the request arguments into target.
// Errors wrap scheduling.ErrValidation.
func bindArgs(request mcp.CallToolRequest, target any) error {
	if err := request.BindArguments(target); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", scheduling.ErrValidation, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s", scheduling.ErrValidation, describeValidation(err))
	}
	return nil
}

// describeValidation renders validator errors with the argument names callers use.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := argName(fe.StructField())
		switch fe.Tag() {
		case "required", "notblank":
			msgs = append(msgs, name+" is required")
		case "rfc3339":
			msgs = append(msgs, fmt.Sprintf("%s must be an RFC 3339 date-time, got %q", name, fe.Value()))
		case "gtstart":
			msgs = append(msgs, "end must be after start")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func argName(field string) string {
	switch field {
	case "ScheduleResourceID":
		return "scheduleResourceId"
	case "AppointmentResourceID":
		return "appointmentResourceId"
	case "SlotResourceID":
		return "slotResourceId"
	case "PractitionerID":
		return "practitionerId"
	case "Start":
		return "start"
	case "End":
		return "end"
	default:
		return field
	}
}
