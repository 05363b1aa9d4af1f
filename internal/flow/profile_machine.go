package flow

import (
	"github.com/BTreeMap/CareNudge/internal/models"
)

// ProfileTrigger is an input to the profile confirmation machine.
type ProfileTrigger string

const (
	ProfileTriggerAffirmative ProfileTrigger = ProfileTrigger(models.ReplyAffirmative)
	ProfileTriggerNegative    ProfileTrigger = ProfileTrigger(models.ReplyNegative)
	ProfileTriggerFreeText    ProfileTrigger = ProfileTrigger(models.ReplyFreeText)
	ProfileTriggerExhausted   ProfileTrigger = "retries_exhausted"
)

// profileTransitions: an ambiguous reply must not silently confirm SMS consent,
// so FreeText declines.
var profileTransitions = table[models.ProfileStatus, ProfileTrigger]{
	{models.ProfileStatusPending, ProfileTriggerAffirmative}: models.ProfileStatusConfirmed,
	{models.ProfileStatusPending, ProfileTriggerNegative}:    models.ProfileStatusDeclined,
	{models.ProfileStatusPending, ProfileTriggerFreeText}:    models.ProfileStatusDeclined,
	{models.ProfileStatusPending, ProfileTriggerExhausted}:   models.ProfileStatusFailed,
}

// ProfileMachine enforces the pending -> confirmed | declined | failed lifecycle.
type ProfileMachine struct{}

// OnReply returns the status a classified reply moves a profile to.
func (ProfileMachine) OnReply(current models.ProfileStatus, class models.ReplyClass) (models.ProfileStatus, error) {
	return profileTransitions.next(current, ProfileTrigger(class))
}

// OnExhausted returns the status after confirmation retries run out.
func (ProfileMachine) OnExhausted(current models.ProfileStatus) (models.ProfileStatus, error) {
	return profileTransitions.next(current, ProfileTriggerExhausted)
}

// Restart returns a profile to pending so confirmation can be requested again.
// It is valid from any status.
func (ProfileMachine) Restart(models.ProfileStatus) models.ProfileStatus {
	return models.ProfileStatusPending
}
