package scoring

import (
	"strings"

	"github.com/ComUnity/insight-service/internal/models"
)

// DefaultSuspiciousMarkers are lowercase path fragments of temp directories.
var DefaultSuspiciousMarkers = []string{
	"/tmp/",
	"/private/tmp/",
	`\appdata\local\temp\`,
	`\temp\`,
}

// ListenerKey is ip:port, with "*" for an unspecified address.
func ListenerKey(o models.Observation) string {
	port := o.Attr("port")
	if port == "" {
		return ""
	}
	ip := o.Attr("ip")
	if ip == "" {
		ip = "*"
	}
	return ip + ":" + port
}

// ProcessKey is name|exe.
func ProcessKey(o models.Observation) string {
	name, exe := o.Attr("process_name"), o.Attr("exe")
	if name == "" && exe == "" {
		return ""
	}
	return name + "|" + exe
}

// SubjectOf returns the inventory subject an observation refers to, if any.
func SubjectOf(o models.Observation) (models.Subject, bool) {
	switch o.Kind {
	case models.KindListenerOpen:
		if k := ListenerKey(o); k != "" {
			return models.Subject{Kind: models.SubjectListener, Key: k}, true
		}
	case models.KindProcessStart:
		if k := ProcessKey(o); k != "" {
			return models.Subject{Kind: models.SubjectProcess, Key: k}, true
		}
	}
	return models.Subject{}, false
}

// SubjectsOf lists distinct subjects in observation order.
func SubjectsOf(obs []models.Observation) []models.Subject {
	seen := make(map[models.Subject]struct{})
	var out []models.Subject
	for _, o := range obs {
		s, ok := SubjectOf(o)
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Inventory is the set of subjects an org has already reported. Not safe for
// concurrent use; one is built per batch under the org lock.
type Inventory struct {
	known map[models.Subject]struct{}
	added []models.Subject
}

func NewInventory(known []models.Subject) *Inventory {
	inv := &Inventory{known: make(map[models.Subject]struct{}, len(known))}
	for _, s := range known {
		inv.known[s] = struct{}{}
	}
	return inv
}

// Observe records s and reports whether it was new.
func (inv *Inventory) Observe(s models.Subject) bool {
	if _, ok := inv.known[s]; ok {
		return false
	}
	inv.known[s] = struct{}{}
	inv.added = append(inv.added, s)
	return true
}

func (inv *Inventory) Has(s models.Subject) bool {
	_, ok := inv.known[s]
	return ok
}

// Added lists subjects first seen through Observe, in order.
func (inv *Inventory) Added() []models.Subject {
	return append([]models.Subject(nil), inv.added...)
}

// Signal is one metric increment derived from one observation.
type Signal struct {
	Metric      string
	Subject     string
	Observation models.Observation
}

// Classification is the metric view of a set of observations.
type Classification struct {
	Signals []Signal
	Counts  models.MetricCounts
}

// IsFailedLogin reports an auth attempt with outcome=failure.
func IsFailedLogin(o models.Observation) bool {
	return o.Kind == models.KindAuthAttempt && strings.EqualFold(o.Attr("outcome"), "failure")
}

// IsSuspiciousExec reports a process started from a temp directory.
func IsSuspiciousExec(o models.Observation, markers []string) bool {
	if o.Kind != models.KindProcessStart {
		return false
	}
	exe := strings.ToLower(o.Attr("exe"))
	if exe == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(exe, m) {
			return true
		}
	}
	return false
}

// Classify maps observations to signals. Listener and process subjects not in
// inv count as new and are recorded in inv, so a repeat later in the same
// batch is not new again. Persistence registrations and file changes yield no
// metric signal.
func Classify(obs []models.Observation, inv *Inventory, markers []string) Classification {
	if markers == nil {
		markers = DefaultSuspiciousMarkers
	}
	var c Classification
	add := func(metric, subject string, o models.Observation) {
		c.Signals = append(c.Signals, Signal{Metric: metric, Subject: subject, Observation: o})
		c.Counts.Inc(metric, 1)
	}
	for _, o := range obs {
		switch o.Kind {
		case models.KindAuthAttempt:
			if IsFailedLogin(o) {
				add(models.MetricFailedLogins, o.Attr("username"), o)
			}
		case models.KindListenerOpen:
			if s, ok := SubjectOf(o); ok && inv.Observe(s) {
				add(models.MetricNewListeners, s.Key, o)
			}
		case models.KindProcessStart:
			if s, ok := SubjectOf(o); ok && inv.Observe(s) {
				add(models.MetricNewProcesses, s.Key, o)
			}
			if IsSuspiciousExec(o, markers) {
				add(models.MetricSuspiciousExecs, o.Attr("exe"), o)
			}
		}
	}
	return c
}
