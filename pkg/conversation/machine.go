package conversation

// Apply returns the state that results from applying in to s.
// It never mutates s and returns s unchanged for intents it does not know.
func Apply(s State, in Intent) State {
	next := s.Clone()
	switch v := in.(type) {
	case RequestVerification:
		next.Status = StatusCollectingVerification
		if v.Reason == ReasonInvalidZip {
			next.Verification.ZipAttempts++
		}
		next.Verification.Verified = false
		next.Verification.CustomerID = nil
	case Verified:
		id := v.CustomerID
		next.Status = StatusVerifiedIdle
		next.Verification = Verification{Verified: true, CustomerID: &id}
	case AppointmentsLoaded:
		next.Status = StatusPresentingAppointments
		next.Appointments = append([]AppointmentSummary{}, v.Appointments...)
	case AppointmentsListed:
		next.Status = StatusPresentingAppointments
	case CancelRequested:
		id := v.AppointmentID
		next.Status = StatusPendingCancellationConfirmation
		next.PendingCancellationID = &id
	case CancelConfirmed:
		next.Status = StatusCompleted
		next.PendingCancellationID = nil
	case CancelDeclined:
		next.Status = StatusVerifiedIdle
		next.PendingCancellationID = nil
	default:
		return s
	}
	return next
}

// ApplyAll folds intents over s in order.
func ApplyAll(s State, intents ...Intent) State {
	for _, in := range intents {
		s = Apply(s, in)
	}
	return s
}
