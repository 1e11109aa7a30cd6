package lifecycle

import "github.com/example/ride-dispatch/internal/models"

// AllowedTransitions is the ride state graph. Terminal states have no entry.
var AllowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.StatusSearching:      {models.StatusDriverAssigned, models.StatusCancelled},
	models.StatusDriverAssigned: {models.StatusDriverArrived, models.StatusCancelled},
	models.StatusDriverArrived:  {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusCompleted},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// authorize checks that actor may move ride into to. The system and admins
// may drive any transition; riders may only cancel their own ride; drivers
// may only act on rides assigned to them.
func authorize(ride *models.Ride, to models.RideStatus, actor models.Actor) error {
	switch actor.Role {
	case models.RoleSystem, models.RoleAdmin:
		return nil
	case models.RoleRider:
		if to == models.StatusCancelled && actor.ID == ride.RiderID {
			return nil
		}
	case models.RoleDriver:
		if to != models.StatusDriverAssigned && actor.ID != "" && actor.ID == ride.AssignedDriver() {
			return nil
		}
	}
	return ErrForbidden
}
