package model

// TransitionRule is one permitted edge in a lifecycle graph.
type TransitionRule struct {
	From  string   `yaml:"from"  json:"from"`
	To    string   `yaml:"to"    json:"to"`
	Roles []string `yaml:"roles" json:"roles,omitempty"`
}

// NotificationRule sends a templated message when an entity enters Status.
type NotificationRule struct {
	Status   string `yaml:"status"   json:"status"`
	Template string `yaml:"template" json:"template"`
}

// Lifecycle is the state graph of one entity type.
type Lifecycle struct {
	EntityType    string             `yaml:"entity_type"   json:"entity_type"`
	Version       string             `yaml:"version"       json:"version,omitempty"`
	Initial       string             `yaml:"initial"       json:"initial"`
	States        []string           `yaml:"states"        json:"states"`
	Terminal      []string           `yaml:"terminal"      json:"terminal"`
	Transitions   []TransitionRule   `yaml:"transitions"   json:"transitions"`
	Notifications []NotificationRule `yaml:"notifications" json:"notifications,omitempty"`

	// Checksum is the SHA-256 of the source file, empty for built-ins.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile is the file the lifecycle was loaded from.
	SourceFile string `yaml:"-" json:"-"`
}

// HasState reports whether status belongs to the graph.
func (l *Lifecycle) HasState(status string) bool {
	for _, s := range l.States {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing edges by definition.
func (l *Lifecycle) IsTerminal(status string) bool {
	for _, s := range l.Terminal {
		if s == status {
			return true
		}
	}
	return false
}

// Edge returns the rule for from → to, if any.
func (l *Lifecycle) Edge(from, to string) (TransitionRule, bool) {
	for _, t := range l.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return TransitionRule{}, false
}

// Next lists the statuses reachable from status in declaration order.
func (l *Lifecycle) Next(status string) []string {
	var out []string
	for _, t := range l.Transitions {
		if t.From == status {
			out = append(out, t.To)
		}
	}
	return out
}

// NextFor lists the statuses the actor may move to from status.
func (l *Lifecycle) NextFor(status string, a Actor) []string {
	var out []string
	for _, t := range l.Transitions {
		if t.From == status && a.HasAnyRole(t.Roles) {
			out = append(out, t.To)
		}
	}
	return out
}

// NotificationFor returns the rule fired on entering status, if any.
func (l *Lifecycle) NotificationFor(status string) (NotificationRule, bool) {
	for _, n := range l.Notifications {
		if n.Status == status {
			return n, true
		}
	}
	return NotificationRule{}, false
}
