package matter

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Penalty points for the health score checks.
const (
	penaltyConflicts       = 20
	penaltyPrerequisite    = 15
	penaltyPerArtifact     = 10
	penaltyArtifactCap     = 40
	penaltySLABreach       = 10
	penaltyDefects         = 15
	penaltyIssueStatus     = 25
	defectPenaltyThreshold = 2
	maxDrivers             = 3
)

// issueKeywords flag statuses that demand immediate attention.
var issueKeywords = []string{"issue", "rejected", "returned", "denied"}

// HealthReport is the result of a health score calculation: a 0-100 score,
// its risk tier, and the top contributing penalty drivers.
type HealthReport struct {
	Score        int            `json:"score"`
	RiskTier     RiskTier       `json:"risk_tier"`
	Drivers      []HealthDriver `json:"drivers"`
	CalculatedAt time.Time      `json:"calculated_at"`
}

// CalculateHealth computes an explainable health score for an entity.
//
// The calculation is pure and deterministic: it starts at 100 and applies an
// ordered battery of independent penalty checks, each contributing a fixed or
// bounded deduction with a human-readable description and recommendation.
// Drivers are sorted by impact descending (stable, so ties keep detection
// order) and truncated to the top three.
//
// A nil playbook means "no policy configured" and yields a perfect score
// with no drivers; it is not an error.
func CalculateHealth(ent *Entity, tasks []TaskItem, artifacts []Artifact, pb *Playbook, now time.Time) HealthReport {
	if pb == nil {
		return HealthReport{Score: 100, RiskTier: RiskLow, CalculatedAt: now}
	}

	c := healthCalc{ent: ent, tasks: tasks, artifacts: artifacts, pb: pb, now: now}
	c.checkConflicts()
	c.checkPrerequisites()
	c.checkMissingArtifacts()
	c.checkSLAAging()
	c.checkDefectCount()
	c.checkIssueStatus()

	score := 100 - c.total
	if score < 0 {
		score = 0
	}

	sort.SliceStable(c.drivers, func(i, j int) bool {
		return c.drivers[i].Impact > c.drivers[j].Impact
	})
	if len(c.drivers) > maxDrivers {
		c.drivers = c.drivers[:maxDrivers]
	}

	return HealthReport{
		Score:        score,
		RiskTier:     TierForScore(score),
		Drivers:      c.drivers,
		CalculatedAt: now,
	}
}

// TierForScore maps a score onto its risk tier: >=80 low, 60-79 medium,
// below 60 high.
func TierForScore(score int) RiskTier {
	switch {
	case score >= 80:
		return RiskLow
	case score >= 60:
		return RiskMedium
	default:
		return RiskHigh
	}
}

type healthCalc struct {
	ent       *Entity
	tasks     []TaskItem
	artifacts []Artifact
	pb        *Playbook
	now       time.Time

	total   int
	drivers []HealthDriver
}

func (c *healthCalc) penalize(points int, description, recommendation string) {
	c.total += points
	c.drivers = append(c.drivers, HealthDriver{
		Impact:         points,
		Description:    description,
		Recommendation: recommendation,
	})
}

// checkConflicts flags an entity still in an intake-stage status with an
// open conflicts-check task.
func (c *healthCalc) checkConflicts() {
	if c.pb.Health == nil || !contains(c.pb.Health.IntakeStatuses, c.ent.CurrentStatus) {
		return
	}
	for _, t := range c.tasks {
		if t.Open() && strings.Contains(strings.ToLower(t.Title), "conflicts") {
			c.penalize(penaltyConflicts,
				"Conflicts check not completed after intake",
				"Complete conflicts check immediately to proceed")
			return
		}
	}
}

// checkPrerequisites applies each configured artifact gate once the entity
// has progressed past the gate's waived statuses.
func (c *healthCalc) checkPrerequisites() {
	if c.pb.Health == nil {
		return
	}
	for _, pre := range c.pb.Health.Prerequisites {
		if contains(pre.WaivedAt, c.ent.CurrentStatus) {
			continue
		}
		satisfied := false
		for _, a := range c.artifacts {
			if a.ArtifactType == pre.ArtifactType && a.Validated() {
				satisfied = true
				break
			}
		}
		if !satisfied {
			c.penalize(penaltyPrerequisite, pre.Description, pre.Recommendation)
		}
	}
}

// checkMissingArtifacts deducts 10 points per artifact required at the
// current status but absent, capped at 40.
func (c *healthCalc) checkMissingArtifacts() {
	missing := c.pb.MissingArtifacts(c.ent.CurrentStatus, c.artifacts)
	if len(missing) == 0 {
		return
	}
	penalty := penaltyPerArtifact * len(missing)
	if penalty > penaltyArtifactCap {
		penalty = penaltyArtifactCap
	}
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = m.ArtifactType
	}
	c.penalize(penalty,
		fmt.Sprintf("Missing %d required artifact(s): %s", len(missing), strings.Join(names, ", ")),
		"Upload required documents to proceed without delays")
}

// checkSLAAging deducts a flat penalty once the time in status exceeds the
// status SLA, independent of how far over.
func (c *healthCalc) checkSLAAging() {
	def, ok := c.pb.StatusByID(c.ent.CurrentStatus)
	if !ok || def.SLAHours <= 0 {
		return
	}
	hoursIn := c.now.Sub(c.ent.StatusChangedAt).Hours()
	if hoursIn <= def.SLAHours {
		return
	}
	daysOver := int((hoursIn-def.SLAHours)/24 + 0.5)
	c.penalize(penaltySLABreach,
		fmt.Sprintf("Status aging exceeds SLA by %d day(s)", daysOver),
		fmt.Sprintf("Take action to advance from %q status", def.Name))
}

func (c *healthCalc) checkDefectCount() {
	if c.ent.DefectCount < defectPenaltyThreshold {
		return
	}
	c.penalize(penaltyDefects,
		fmt.Sprintf("High defect count: %d corrections required", c.ent.DefectCount),
		"Add QC checks to reduce rework")
}

// checkIssueStatus flags statuses whose ID or name contains an issue
// keyword.
func (c *healthCalc) checkIssueStatus() {
	status := strings.ToLower(c.ent.CurrentStatus)
	name := ""
	if def, ok := c.pb.StatusByID(c.ent.CurrentStatus); ok {
		name = strings.ToLower(def.Name)
	}
	for _, kw := range issueKeywords {
		if strings.Contains(status, kw) || strings.Contains(name, kw) {
			c.penalize(penaltyIssueStatus,
				"Entity in issue/rejection status requiring immediate attention",
				"Review issue details and develop a resolution plan")
			return
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
