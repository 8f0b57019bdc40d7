package scheduling

import "strings"

const (
	EventAppointmentBooked      = "appointment.booked"
	EventAppointmentCancelled   = "appointment.cancelled"
	EventAppointmentCompleted   = "appointment.completed"
	EventAppointmentRescheduled = "appointment.rescheduled"
	EventAppointmentUpdated     = "appointment.updated"
	EventAppointmentJoined      = "appointment.joined"
	EventScheduleUpdated        = "schedule.updated"
	EventReviewCreated          = "review.created"
)

func TherapistTopic(id string) string    { return "therapist:" + id }
func PatientTopic(id string) string      { return "patient:" + id }
func AppointmentTopic(id string) string  { return "appointment:" + id }
func AvailabilityTopic(id string) string { return "availability:" + id }

func appointmentTopics(a *Appointment) []string {
	return []string{
		TherapistTopic(a.TherapistID),
		PatientTopic(a.PatientID),
		AppointmentTopic(a.ID.String()),
		AvailabilityTopic(a.TherapistID),
	}
}

// TopicVisibleTo reports whether actor may subscribe to topic. Availability
// is public, personal topics belong to their owner and everything else is
// admin only.
func TopicVisibleTo(actor Actor, topic string) bool {
	if actor.IsAdmin {
		return true
	}
	if strings.HasPrefix(topic, "availability:") {
		return true
	}
	if actor.ID == "" {
		return false
	}
	return topic == TherapistTopic(actor.ID) || topic == PatientTopic(actor.ID)
}
