package definition

import "github.com/pitabwire/hireflow/model"

// DefaultLifecycles returns the built-in graphs for every entity type.
func DefaultLifecycles() []model.Lifecycle {
	return []model.Lifecycle{applicationLifecycle(), hiringRequestLifecycle()}
}

func applicationLifecycle() model.Lifecycle {
	l := model.Lifecycle{
		EntityType: model.EntityTypeApplication,
		Version:    "builtin",
		Initial:    model.StatusSubmitted,
		States: []string{
			model.StatusSubmitted,
			model.StatusUnderReview,
			model.StatusInterviewScheduled,
			model.StatusOffered,
			model.StatusHired,
			model.StatusRejected,
			model.StatusWithdrawn,
		},
		Terminal: []string{model.StatusHired, model.StatusRejected, model.StatusWithdrawn},
		Transitions: []model.TransitionRule{
			{From: model.StatusSubmitted, To: model.StatusUnderReview},
			{From: model.StatusUnderReview, To: model.StatusInterviewScheduled},
			{From: model.StatusUnderReview, To: model.StatusRejected},
			{From: model.StatusInterviewScheduled, To: model.StatusOffered},
			{From: model.StatusInterviewScheduled, To: model.StatusRejected},
			{From: model.StatusOffered, To: model.StatusHired},
			{From: model.StatusOffered, To: model.StatusRejected},
		},
	}
	for _, s := range l.States {
		if !l.IsTerminal(s) {
			l.Transitions = append(l.Transitions, model.TransitionRule{From: s, To: model.StatusWithdrawn})
		}
	}
	l.Notifications = notifyOn(l.EntityType, model.StatusOffered, model.StatusHired, model.StatusRejected)
	return l
}

func hiringRequestLifecycle() model.Lifecycle {
	admin := []string{model.RoleAdmin}
	l := model.Lifecycle{
		EntityType: model.EntityTypeHiringRequest,
		Version:    "builtin",
		Initial:    model.StatusPending,
		States:     []string{model.StatusPending, model.StatusApproved, model.StatusRejected},
		Terminal:   []string{model.StatusApproved, model.StatusRejected},
		Transitions: []model.TransitionRule{
			{From: model.StatusPending, To: model.StatusApproved, Roles: admin},
			{From: model.StatusPending, To: model.StatusRejected, Roles: admin},
		},
	}
	l.Notifications = notifyOn(l.EntityType, model.StatusApproved, model.StatusRejected)
	return l
}

func notifyOn(entityType string, statuses ...string) []model.NotificationRule {
	rules := make([]model.NotificationRule, 0, len(statuses))
	for _, s := range statuses {
		rules = append(rules, model.NotificationRule{Status: s, Template: entityType + "_" + s})
	}
	return rules
}
